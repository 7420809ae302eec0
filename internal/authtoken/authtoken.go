// Package authtoken verifies the bearer token the §6 WebSocket handshake
// carries: a client connecting to the fan-out hub presents a token whose
// claims encode pilot_id, race_id, display name, and expiry, and the hub
// trusts those fields only once the signature checks out.
//
// No repo in the retrieval pack hand-rolls JWT verification; several
// (ClusterCockpit-cc-backend, LerianStudio-midaz, among others) import
// github.com/golang-jwt/jwt/v5 for exactly this purpose, so this package
// wraps that library rather than parsing the token by hand.
package authtoken

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded payload of a WebSocket handshake token.
type Claims struct {
	PilotID     string `json:"pilot_id"`
	RaceID      string `json:"race_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed handshake tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier using secret as the HMAC signing key.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString, returning its claims if the
// signature is valid, the algorithm is HMAC, and the token is not expired.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("authtoken: %w", err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("authtoken: token invalid")
	}
	if claims.RaceID == "" || claims.PilotID == "" {
		return Claims{}, fmt.Errorf("authtoken: missing pilot_id/race_id claim")
	}
	return claims, nil
}
