// Package httpapi implements the HTTP ingest adapters and admin/introspection
// surface of spec §4.7/§6: POST /tracking/live, /tracking/upload,
// /tracking/flymaster/*, the read endpoints behind the live dashboard, and
// the queue/DLQ operator tools.
//
// Routing, the status-capturing logging middleware, and the colourized
// request log line are carried directly from the teacher's
// internal/api/server.go LoggingMiddleware/statusCodeColor pattern.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hfsslive/trackcore/internal/httputil"
	"github.com/hfsslive/trackcore/internal/model"
	"github.com/hfsslive/trackcore/internal/obslog"
	"github.com/hfsslive/trackcore/internal/queue"
	"github.com/hfsslive/trackcore/internal/store"
	"github.com/hfsslive/trackcore/internal/validator"
	"github.com/hfsslive/trackcore/internal/writerpool"
)

// ANSI colors for the request log line, matching the teacher's palette.
const (
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

func statusCodeColor(code int) string {
	switch {
	case code >= 200 && code < 300:
		return colorBoldGreen + strconv.Itoa(code) + colorReset
	case code >= 300 && code < 400:
		return colorYellow + strconv.Itoa(code) + colorReset
	case code >= 400:
		return colorBoldRed + strconv.Itoa(code) + colorReset
	default:
		return strconv.Itoa(code)
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware logs method, path, status, and duration for every
// request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		portPrefix := ""
		if host, port, err := net.SplitHostPort(r.Host); err == nil {
			_ = host
			portPrefix = ":" + port
		}
		obslog.Logf("%s%s %s %s %s", portPrefix, r.Method, r.RequestURI,
			statusCodeColor(lrw.statusCode), time.Since(start))
	})
}

// Inserter is the narrow Store capability the direct-write fallback needs.
type Inserter = writerpool.Inserter

// Store is the narrow Store capability the read/admin endpoints need.
type Store interface {
	validator.FlightExistence
	Inserter
	CreateFlight(ctx context.Context, f model.Flight) (model.Flight, error)
	Summary(ctx context.Context, raceID string) (totalFlights, totalPilots int, earliest, latest time.Time, pilots []store.PilotSummary, err error)
	RecentFlightsForPilot(ctx context.Context, pilotID string, limit int) ([]model.Flight, error)
	DeletePilotFlights(ctx context.Context, pilotID string) (int64, error)
	DeleteFlightByUUID(ctx context.Context, flightUUID string) error
}

// Server implements the HTTP surface. It holds no long-lived connections of
// its own: the queue, validator, and store are all injected.
type Server struct {
	Queue     queue.Store
	Validator *validator.Validator
	Store     Store
	Pool      *writerpool.Pool

	deletions *deletionRegistry
}

// New constructs a Server. Call Handler to obtain the routed mux.
func New(q queue.Store, v *validator.Validator, store Store, pool *writerpool.Pool) *Server {
	return &Server{Queue: q, Validator: v, Store: store, Pool: pool, deletions: newDeletionRegistry()}
}

// ServeMux returns the routed mux before the logging middleware is applied,
// so callers can attach routes owned by other components first, the way the
// teacher's cmd/radar/radar.go attaches radarSerial/database admin routes to
// apiServer.ServeMux() before starting the HTTP server.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tracking/live", s.handleIngest(model.QueueLivePoints))
	mux.HandleFunc("POST /tracking/upload", s.handleIngest(model.QueueUploadPoints))
	mux.HandleFunc("POST /tracking/flymaster/", s.handleIngest(model.QueueFlymasterPoints))
	mux.HandleFunc("GET /tracking/live/summary", s.handleSummary)
	mux.HandleFunc("GET /tracking/live/pilot/{pilot_id}/flights", s.handlePilotFlights)
	mux.HandleFunc("DELETE /tracking/admin/delete-pilot-flights-async/{pilot_id}", s.handleDeletePilotAsync)
	mux.HandleFunc("DELETE /tracking/tracks/fuuid-async/{flight_uuid}", s.handleDeleteFlightAsync)
	mux.HandleFunc("GET /tracking/deletion-status/{deletion_id}", s.handleDeletionStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /queue/status", s.handleQueueStatus)
	mux.HandleFunc("GET /admin/queue/peek", s.handleAdminPeek)
	mux.HandleFunc("POST /admin/queue/requeue", s.handleAdminRequeue)
	return mux
}

// Handler returns the fully routed, logging-wrapped mux.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.ServeMux())
}

// ingestRequest is the wire shape POST /tracking/live, /tracking/upload, and
// /tracking/flymaster/* all share, per spec §6's queue item fields, plus the
// flight-identity fields needed to create the flight row on first contact
// (mobile producers supply their own opaque flight_id and are not subject to
// the flight separator, but the row itself still has to exist before the
// Validator's foreign-key check can pass).
type ingestRequest struct {
	FlightID  string             `json:"flight_id"`
	RaceID    string             `json:"race_id"`
	PilotID   string             `json:"pilot_id"`
	PilotName string             `json:"pilot_name"`
	Points    []model.QueuePoint `json:"points"`
}

// sourceForQueue maps the queue an ingest adapter writes to onto the Source
// tag a freshly created flight should carry.
func sourceForQueue(name model.QueueName) model.Source {
	switch name {
	case model.QueueUploadPoints:
		return model.SourceUpload
	case model.QueueFlymasterPoints:
		return model.SourceFlymaster
	default:
		return model.SourceLive
	}
}

// ensureFlight get-or-creates the flight row req.FlightID refers to, so the
// Validator's foreign-key check has something to find once the item reaches
// the writer pool.
func (s *Server) ensureFlight(ctx context.Context, queueName model.QueueName, req ingestRequest) error {
	exists, err := s.Store.FlightExists(ctx, req.FlightID)
	if err != nil {
		return fmt.Errorf("check flight existence: %w", err)
	}
	if exists {
		return nil
	}
	_, err = s.Store.CreateFlight(ctx, model.Flight{
		FlightID:  req.FlightID,
		RaceID:    req.RaceID,
		PilotID:   req.PilotID,
		PilotName: req.PilotName,
		Source:    sourceForQueue(queueName),
	})
	if err != nil {
		return fmt.Errorf("create flight: %w", err)
	}
	return nil
}

// handleIngest implements spec §4.7: ensure the flight exists, build one
// queue item, try to enqueue; on ErrQueueUnavailable, fall back to a direct,
// Validator-checked insert.
func (s *Server) handleIngest(queueName model.QueueName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("decode body: %v", err))
			return
		}
		if req.FlightID == "" || len(req.Points) == 0 {
			httputil.BadRequest(w, "flight_id and points are required")
			return
		}

		ctx := r.Context()
		if err := s.ensureFlight(ctx, queueName, req); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}

		item := model.QueueItem{
			QueueType: queueName,
			FlightID:  req.FlightID,
			Points:    req.Points,
			Count:     len(req.Points),
			Timestamp: time.Now().UTC(),
		}

		n, err := s.Queue.EnqueueBatch(ctx, queueName, []model.QueueItem{item})
		if err == nil && n == 1 {
			httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "enqueued", "count": n})
			return
		}
		if err != nil && !errors.Is(err, queue.ErrQueueUnavailable) {
			httputil.InternalServerError(w, err.Error())
			return
		}

		// Direct-write fallback: still goes through the Validator.
		verdict, verr := s.Validator.Validate(ctx, item)
		if verdict != validator.VerdictOK {
			httputil.BadRequest(w, verr.Error())
			return
		}
		flight, err := s.Store.GetFlightByFlightID(ctx, item.FlightID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("resolve flight: %v", err))
			return
		}
		inserted, err := s.Store.InsertPoints(ctx, flight.FlightID, flight.UUID, flight.Source, item.Points)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, map[string]any{"status": "direct_write", "count": inserted})
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	raceID := r.URL.Query().Get("race_id")
	if raceID == "" {
		httputil.BadRequest(w, "race_id is required")
		return
	}
	totalFlights, totalPilots, earliest, latest, pilots, err := s.Store.Summary(r.Context(), raceID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	pilotsOut := make([]map[string]any, 0, len(pilots))
	for _, p := range pilots {
		pilotsOut = append(pilotsOut, map[string]any{
			"pilot_id":      p.PilotID,
			"pilot_name":    p.PilotName,
			"flight_count":  p.FlightCount,
			"last_activity": p.LastActivity,
		})
	}
	httputil.WriteJSONOK(w, map[string]any{
		"summary": map[string]any{
			"total_flights":    totalFlights,
			"total_pilots":     totalPilots,
			"time_range":       map[string]any{"start": earliest, "end": latest},
			"earliest_activity": earliest,
			"latest_activity":   latest,
		},
		"pilots": pilotsOut,
	})
}

func (s *Server) handlePilotFlights(w http.ResponseWriter, r *http.Request) {
	pilotID := r.PathValue("pilot_id")
	flights, err := s.Store.RecentFlightsForPilot(r.Context(), pilotID, 20)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"flights": flights})
}

// deletionRegistry tracks the async delete jobs spec §6 requires a status
// poll endpoint for. Each delete runs in its own goroutine after the handler
// has answered 202; the deletion_id starts as "pending" and becomes
// "completed" or "failed: ..." when the Store call returns.
type deletionRegistry struct {
	mu    chan struct{}
	state map[string]string
}

func newDeletionRegistry() *deletionRegistry {
	return &deletionRegistry{mu: make(chan struct{}, 1), state: make(map[string]string)}
}

func (d *deletionRegistry) lock()   { d.mu <- struct{}{} }
func (d *deletionRegistry) unlock() { <-d.mu }

func (d *deletionRegistry) start() string {
	id := uuid.NewString()
	d.lock()
	d.state[id] = "pending"
	d.unlock()
	return id
}

func (d *deletionRegistry) finish(id string, err error) {
	d.lock()
	defer d.unlock()
	if err != nil {
		d.state[id] = "failed: " + err.Error()
		return
	}
	d.state[id] = "completed"
}

func (d *deletionRegistry) status(id string) (string, bool) {
	d.lock()
	defer d.unlock()
	s, ok := d.state[id]
	return s, ok
}

func (s *Server) handleDeletePilotAsync(w http.ResponseWriter, r *http.Request) {
	pilotID := r.PathValue("pilot_id")
	id := s.deletions.start()
	go func() {
		_, err := s.Store.DeletePilotFlights(context.Background(), pilotID)
		s.deletions.finish(id, err)
	}()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"deletion_id": id,
		"status_url":  "/tracking/deletion-status/" + id,
	})
}

func (s *Server) handleDeleteFlightAsync(w http.ResponseWriter, r *http.Request) {
	flightUUID := r.PathValue("flight_uuid")
	id := s.deletions.start()
	go func() {
		err := s.Store.DeleteFlightByUUID(context.Background(), flightUUID)
		s.deletions.finish(id, err)
	}()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"deletion_id": id,
		"status_url":  "/tracking/deletion-status/" + id,
	})
}

func (s *Server) handleDeletionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deletion_id")
	status, ok := s.deletions.status(id)
	if !ok {
		httputil.NotFound(w, "unknown deletion_id")
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"deletion_id": id, "status": status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]any{"ok": true}
	for _, q := range []model.QueueName{model.QueueLivePoints, model.QueueUploadPoints, model.QueueFlymasterPoints, model.QueueScoringPoints} {
		pending, err := s.Queue.Len(ctx, q)
		if err != nil {
			status["ok"] = false
			status[string(q)+"_error"] = err.Error()
			continue
		}
		status[string(q)+"_pending"] = pending
	}
	if p, ok := s.Queue.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			status["ok"] = false
			status["kv_error"] = err.Error()
		}
	}
	if v, ok := s.Store.(interface{ Version() (uint, bool, error) }); ok {
		if version, dirty, err := v.Version(); err != nil {
			status["ok"] = false
			status["store_error"] = err.Error()
		} else {
			status["store_schema_version"] = version
			status["store_schema_dirty"] = dirty
		}
	}
	httputil.WriteJSONOK(w, status)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make(map[string]any)
	for _, worker := range s.Pool.Workers() {
		st, err := worker.GetStatus(ctx)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		out[string(st.Queue)] = map[string]any{
			"enabled":  st.Enabled,
			"pending":  st.Pending,
			"dlq_size": st.DLQSize,
			"inserted": st.Counters.Inserted,
			"dlq_ed":   st.Counters.DLQed,
			"requeued": st.Counters.Requeued,
		}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleAdminPeek(w http.ResponseWriter, r *http.Request) {
	q := model.QueueName(r.URL.Query().Get("queue"))
	n := int64(20)
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			n = parsed
		}
	}
	items, err := s.Queue.PeekDLQ(r.Context(), q, n)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"dlq": items})
}

func (s *Server) handleAdminRequeue(w http.ResponseWriter, r *http.Request) {
	q := model.QueueName(r.URL.Query().Get("queue"))
	idx, err := strconv.ParseInt(r.URL.Query().Get("index"), 10, 64)
	if err != nil {
		httputil.BadRequest(w, "index must be an integer")
		return
	}
	if err := s.Queue.RequeueFromDLQ(r.Context(), q, idx); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"status": "requeued"})
}
