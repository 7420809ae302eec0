// Package runtime wires the process together: config, the primary and
// read-replica stores, the queue, the writer pool, the flight separator, the
// GPS TCP front-end, the fan-out hub registry, the retention sweeper, and
// the HTTP API, then runs them all until the parent context is cancelled.
//
// The wait-group-of-goroutines-plus-signal-context shape, the ordered
// deferred-Close cleanup, and the HTTP server's context-driven graceful
// shutdown are grounded on the teacher's cmd/radar/radar.go main and
// internal/api/server.go Server.Start.
package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hfsslive/trackcore/internal/authtoken"
	"github.com/hfsslive/trackcore/internal/config"
	"github.com/hfsslive/trackcore/internal/fanout"
	"github.com/hfsslive/trackcore/internal/flightsep"
	"github.com/hfsslive/trackcore/internal/gpsfront"
	"github.com/hfsslive/trackcore/internal/httpapi"
	"github.com/hfsslive/trackcore/internal/obslog"
	"github.com/hfsslive/trackcore/internal/queue"
	"github.com/hfsslive/trackcore/internal/retention"
	"github.com/hfsslive/trackcore/internal/store"
	"github.com/hfsslive/trackcore/internal/validator"
	"github.com/hfsslive/trackcore/internal/writerpool"
)

// Runtime owns every long-lived component and their shutdown order.
type Runtime struct {
	cfg *config.Config

	primary *store.Store
	replica *store.Store
	queue   queue.Store

	pool      *writerpool.Pool
	inFlight  *writerpool.InFlight
	separator *flightsep.Separator
	gps       *gpsfront.Listener
	sweeper   *retention.Sweeper
	fanoutReg *fanout.Registry
	api       *httpapi.Server

	wsVerifier *authtoken.Verifier

	runCtx context.Context // set by Run; outlives any single request, so hubs survive client disconnects.
}

// Build constructs every component from cfg without starting any of them.
// Construction errors (bad store URIs, etc.) are returned so main can decide
// whether they're fatal.
func Build(cfg *config.Config) (*Runtime, error) {
	primary, err := store.Open(cfg.StorePrimaryURI())
	if err != nil {
		return nil, fmt.Errorf("runtime: open primary store: %w", err)
	}

	var replica *store.Store
	if cfg.StoreReplicaURI() == cfg.StorePrimaryURI() {
		replica = primary
	} else {
		replica, err = store.OpenReadOnly(cfg.StoreReplicaURI())
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("runtime: open replica store: %w", err)
		}
	}

	var q queue.Store
	if cfg.KVURI() == "memory" {
		q = queue.NewMemStore()
	} else {
		q = queue.NewRedisStore(cfg.KVURI(), cfg.KVPassword(), 10)
	}

	v := validator.New(primary)
	inFlight := writerpool.NewInFlight()
	writerCfg := writerpool.DefaultConfig()
	writerCfg.BatchSize = cfg.WriterBatchSize()
	pool := writerpool.NewPool(q, v, primary, inFlight, writerCfg)

	sepCfg := flightsep.DefaultConfig()
	sepCfg.LandingWindow = cfg.LandingWindow()
	sepCfg.LandingSpeedKMH = cfg.LandingSpeedKMH()
	sepCfg.LandingAltVariation = cfg.LandingAltVariationM()
	separator := flightsep.New(primary, sepCfg)

	gpsCfg := gpsfront.DefaultConfig()
	gpsCfg.Address = net.JoinHostPort("", strconv.Itoa(cfg.TCPPort()))
	gpsCfg.MinMessageInterval = cfg.DeviceMinInterval()
	gpsCfg.RateWindow = cfg.DeviceFrameWindow()
	gpsCfg.RateLimit = cfg.DeviceFramesPerWindow()
	gpsCfg.ReconnectWindow = cfg.ReconnectWindow()
	gpsCfg.ReconnectLimit = cfg.ReconnectsPerWindow()
	gpsCfg.BlacklistWindow = cfg.IPBlacklistDuration()
	gpsCfg.BlacklistConnRate = cfg.IPConnectRatePerSec()
	gps := gpsfront.New(gpsCfg, primary, separator, q, primary)

	retentionCfg := retention.DefaultConfig()
	retentionCfg.MaxAge = time.Duration(cfg.RetentionHours()) * time.Hour
	sweeper := retention.New(primary, inFlight, retentionCfg)

	fanoutCfg := fanout.Config{Delay: cfg.BroadcastDelay(), UpdateInterval: cfg.UpdateInterval()}
	fanoutReg := fanout.NewRegistry(replica, fanoutCfg)

	api := httpapi.New(q, v, primary, pool)

	wsVerifier := authtoken.NewVerifier(cfg.WSTokenSecret())

	return &Runtime{
		cfg: cfg, primary: primary, replica: replica, queue: q,
		pool: pool, inFlight: inFlight, separator: separator, gps: gps,
		sweeper: sweeper, fanoutReg: fanoutReg, api: api,
		wsVerifier: wsVerifier,
	}, nil
}

// Close releases every resource Build acquired. It is idempotent-enough to
// call after a partial Build failure has already cleaned itself up.
func (r *Runtime) Close() error {
	if r.replica != nil && r.replica != r.primary {
		r.replica.Close()
	}
	if closer, ok := r.queue.(interface{ Close() error }); ok {
		closer.Close()
	}
	if r.primary != nil {
		return r.primary.Close()
	}
	return nil
}

// Run starts every enabled component and blocks until ctx is cancelled,
// mirroring the teacher's wg.Add/go func(){defer wg.Done(); ...}()/wg.Wait
// shutdown shape in cmd/radar/radar.go.
func (r *Runtime) Run(ctx context.Context) error {
	r.runCtx = ctx
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.pool.Run(ctx); err != nil {
			obslog.Logf("runtime: writer pool stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.sweeper.Run(ctx); err != nil {
			obslog.Logf("runtime: retention sweeper stopped: %v", err)
		}
	}()

	if r.cfg.TCPEnabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.gps.Serve(ctx); err != nil && ctx.Err() == nil {
				obslog.Logf("runtime: GPS front-end stopped: %v", err)
			}
		}()
	}

	if r.cfg.HTTPEnabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.serveHTTP(ctx); err != nil {
				obslog.Logf("runtime: HTTP server error: %v", err)
			}
		}()
	}

	wg.Wait()
	obslog.Logf("runtime: all components stopped")
	return nil
}

// serveHTTP attaches the fan-out WebSocket route to the API's mux the way
// the teacher attaches radarSerial/database admin routes to
// apiServer.ServeMux(), then runs an http.Server with context-driven
// graceful shutdown per internal/api/server.go Server.Start.
func (r *Runtime) serveHTTP(ctx context.Context) error {
	mux := r.api.ServeMux()
	mux.HandleFunc("GET /tracking/live/ws/live/{race_id}", r.handleWS)
	if err := r.primary.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("runtime: attach admin routes: %w", err)
	}

	server := &http.Server{Addr: r.cfg.HTTPAddr(), Handler: httpapi.LoggingMiddleware(mux)}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		obslog.Logf("runtime: shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			obslog.Logf("runtime: HTTP server shutdown error: %v", err)
			return server.Close()
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (r *Runtime) handleWS(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	raceID := req.PathValue("race_id")
	clientID := req.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = raceID + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	claims, err := r.wsVerifier.Verify(req.URL.Query().Get("token"))
	if err != nil {
		obslog.Logf("runtime: websocket handshake for race %s rejected: %v", raceID, err)
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}
	if claims.RaceID != raceID {
		http.Error(w, "token race_id does not match race", http.StatusForbidden)
		return
	}
	pilotID := claims.PilotID

	race, err := r.primary.GetRace(ctx, raceID)
	if err != nil {
		http.Error(w, "unknown race", http.StatusNotFound)
		return
	}

	hub := r.fanoutReg.HubFor(raceID, fanout.RaceMeta{ID: race.ID, Name: race.Name, Timezone: race.Timezone}, func(h *fanout.Hub) {
		go func() {
			if err := h.Run(r.runCtx); err != nil {
				obslog.Logf("runtime: fan-out hub %s stopped: %v", raceID, err)
			}
		}()
	})

	if err := fanout.ServeWS(w, req, hub, clientID, pilotID); err != nil {
		obslog.Logf("runtime: websocket session for race %s: %v", raceID, err)
	}
}
