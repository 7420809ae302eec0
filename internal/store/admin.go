package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/hfsslive/trackcore/internal/obslog"
)

// AttachAdminRoutes mounts a read-only SQL browser at /debug/tailsql/ and a
// table-size report at /debug/store-stats, the same debug-route mounting
// convention the teacher uses for its own database admin surface.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("store: create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://trackcore", s.DB, &tailsql.DBOptions{
		Label: "trackcore store",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("store-stats", "Table row counts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.tableRowCounts(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			obslog.Logf("store: writing stats response: %v", err)
		}
	}))
	return nil
}

type tableCount struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

func (s *Store) tableRowCounts(ctx context.Context) ([]tableCount, error) {
	tables := []string{"races", "flights", "live_track_points", "uploaded_track_points"}
	out := make([]tableCount, 0, len(tables))
	for _, t := range tables {
		var n int64
		if err := s.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", t)).Scan(&n); err != nil {
			return nil, fmt.Errorf("store: count %s: %w", t, err)
		}
		out = append(out, tableCount{Name: t, Rows: n})
	}
	return out, nil
}
