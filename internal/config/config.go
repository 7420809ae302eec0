// Package config loads process configuration from environment variables,
// following the typed-struct-with-accessors shape the rest of the module
// favors: Load applies a documented default for every optional variable
// rather than letting a zero value silently propagate, and the accessor
// methods return the loaded values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting for cmd/trackcore.
// Fields are unexported; access goes through the accessor methods, which
// return values Load has already defaulted.
type Config struct {
	storePrimaryURI string
	storeReplicaURI string // optional; empty means "use primary for reads".

	kvURI      string
	kvPassword string

	tcpPort     int
	tcpEnabled  bool
	httpAddr    string
	httpEnabled bool

	broadcastDelay time.Duration
	updateInterval time.Duration

	deviceRateMinInterval time.Duration
	deviceFrameWindow     time.Duration
	deviceFrameWindowMax  int
	reconnectWindow       time.Duration
	reconnectWindowMax    int
	ipConnectRatePerSec   int
	ipBlacklistDuration   time.Duration

	retentionHours int

	landingWindow        time.Duration
	landingSpeedKMH      float64
	landingAltVariationM float64

	writerBatchSize  int
	writerBatchCap   int
	writerMaxRetries int

	wsTokenSecret string
}

// envError is returned by Load when a required variable is missing or a
// present variable fails to parse.
type envError struct {
	key string
	err error
}

func (e *envError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.key, e.err)
}

func (e *envError) Unwrap() error { return e.err }

// Load reads configuration from the process environment.
// TRACKCORE_STORE_PRIMARY_URI, TRACKCORE_KV_URI and TRACKCORE_WS_TOKEN_SECRET
// are required; a Fatal-class error (per the error-handling taxonomy) is
// returned if any of them is missing, since the process cannot start without
// them. A set variable that fails to parse is also an error.
func Load() (*Config, error) {
	c := &Config{}

	c.storePrimaryURI = os.Getenv("TRACKCORE_STORE_PRIMARY_URI")
	if c.storePrimaryURI == "" {
		return nil, &envError{"TRACKCORE_STORE_PRIMARY_URI", fmt.Errorf("required")}
	}
	c.storeReplicaURI = os.Getenv("TRACKCORE_STORE_REPLICA_URI")

	c.kvURI = os.Getenv("TRACKCORE_KV_URI")
	if c.kvURI == "" {
		return nil, &envError{"TRACKCORE_KV_URI", fmt.Errorf("required")}
	}
	c.kvPassword = os.Getenv("TRACKCORE_KV_PASSWORD")

	var err error
	if c.tcpPort, err = envInt("TRACKCORE_TCP_PORT", 5050); err != nil {
		return nil, err
	}
	if c.tcpEnabled, err = envBool("TRACKCORE_ENABLE_TCP", true); err != nil {
		return nil, err
	}
	c.httpAddr = envString("TRACKCORE_HTTP_ADDR", ":8080")
	if c.httpEnabled, err = envBool("TRACKCORE_ENABLE_HTTP", true); err != nil {
		return nil, err
	}

	if c.broadcastDelay, err = envDuration("TRACKCORE_BROADCAST_DELAY", 60*time.Second); err != nil {
		return nil, err
	}
	if c.updateInterval, err = envDuration("TRACKCORE_UPDATE_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}

	if c.deviceRateMinInterval, err = envDuration("TRACKCORE_DEVICE_MIN_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	c.deviceFrameWindow = 60 * time.Second
	if c.deviceFrameWindowMax, err = envInt("TRACKCORE_DEVICE_FRAMES_PER_MINUTE", 20); err != nil {
		return nil, err
	}
	c.reconnectWindow = 5 * time.Minute
	if c.reconnectWindowMax, err = envInt("TRACKCORE_RECONNECTS_PER_5MIN", 100); err != nil {
		return nil, err
	}
	if c.ipConnectRatePerSec, err = envInt("TRACKCORE_IP_CONNECT_RATE_PER_SEC", 10); err != nil {
		return nil, err
	}
	if c.ipBlacklistDuration, err = envDuration("TRACKCORE_IP_BLACKLIST_DURATION", 60*time.Second); err != nil {
		return nil, err
	}

	if c.retentionHours, err = envInt("TRACKCORE_RETENTION_HOURS", 48); err != nil {
		return nil, err
	}

	if c.landingWindow, err = envDuration("TRACKCORE_LANDING_WINDOW", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.landingSpeedKMH, err = envFloat("TRACKCORE_LANDING_SPEED_KMH", 5.0); err != nil {
		return nil, err
	}
	if c.landingAltVariationM, err = envFloat("TRACKCORE_LANDING_ALT_VARIATION_M", 10.0); err != nil {
		return nil, err
	}

	if c.writerBatchSize, err = envInt("TRACKCORE_WRITER_BATCH_SIZE", 500); err != nil {
		return nil, err
	}
	if c.writerBatchCap, err = envInt("TRACKCORE_WRITER_BATCH_CAP", 1000); err != nil {
		return nil, err
	}
	if c.writerMaxRetries, err = envInt("TRACKCORE_WRITER_MAX_RETRIES", 3); err != nil {
		return nil, err
	}

	c.wsTokenSecret = os.Getenv("TRACKCORE_WS_TOKEN_SECRET")
	if c.wsTokenSecret == "" {
		return nil, &envError{"TRACKCORE_WS_TOKEN_SECRET", fmt.Errorf("required")}
	}

	return c, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &envError{key, err}
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &envError{key, err}
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &envError{key, err}
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &envError{key, err}
	}
	return d, nil
}

func (c *Config) StorePrimaryURI() string { return c.storePrimaryURI }

// StoreReplicaURI returns the configured replica URI, or the primary URI if
// none is configured ("dual-database" routing per spec §9: reads fall back
// to primary when no replica is set).
func (c *Config) StoreReplicaURI() string {
	if c.storeReplicaURI == "" {
		return c.storePrimaryURI
	}
	return c.storeReplicaURI
}

func (c *Config) KVURI() string                 { return c.kvURI }
func (c *Config) KVPassword() string            { return c.kvPassword }
func (c *Config) TCPPort() int                  { return c.tcpPort }
func (c *Config) TCPEnabled() bool              { return c.tcpEnabled }
func (c *Config) HTTPAddr() string              { return c.httpAddr }
func (c *Config) HTTPEnabled() bool             { return c.httpEnabled }
func (c *Config) BroadcastDelay() time.Duration { return c.broadcastDelay }
func (c *Config) UpdateInterval() time.Duration { return c.updateInterval }

func (c *Config) DeviceMinInterval() time.Duration   { return c.deviceRateMinInterval }
func (c *Config) DeviceFrameWindow() time.Duration   { return c.deviceFrameWindow }
func (c *Config) DeviceFramesPerWindow() int         { return c.deviceFrameWindowMax }
func (c *Config) ReconnectWindow() time.Duration     { return c.reconnectWindow }
func (c *Config) ReconnectsPerWindow() int           { return c.reconnectWindowMax }
func (c *Config) IPConnectRatePerSec() int           { return c.ipConnectRatePerSec }
func (c *Config) IPBlacklistDuration() time.Duration { return c.ipBlacklistDuration }

func (c *Config) RetentionHours() int { return c.retentionHours }

func (c *Config) LandingWindow() time.Duration  { return c.landingWindow }
func (c *Config) LandingSpeedKMH() float64      { return c.landingSpeedKMH }
func (c *Config) LandingAltVariationM() float64 { return c.landingAltVariationM }

func (c *Config) WriterBatchSize() int  { return c.writerBatchSize }
func (c *Config) WriterBatchCap() int   { return c.writerBatchCap }
func (c *Config) WriterMaxRetries() int { return c.writerMaxRetries }

// WSTokenSecret is the HMAC signing secret for the §6 WebSocket handshake
// bearer token.
func (c *Config) WSTokenSecret() string { return c.wsTokenSecret }
