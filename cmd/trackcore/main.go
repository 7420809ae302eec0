// Command trackcore runs the live flight-tracking ingestion and fan-out
// service: the GPS TCP front-end, the HTTP ingest/admin API, the writer
// pool, the retention sweeper, and the per-race WebSocket fan-out hubs.
//
// Startup/shutdown coordination (a signal.NotifyContext covering
// SIGINT/SIGTERM here, the sync.WaitGroup in runtime.Run, and log.Fatalf on
// unrecoverable construction errors) is carried directly from the teacher's
// cmd/radar/radar.go main.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/hfsslive/trackcore/internal/config"
	"github.com/hfsslive/trackcore/internal/runtime"
	"github.com/hfsslive/trackcore/internal/version"
)

var versionFlag = flag.Bool("version", false, "Print version information and exit")

func main() {
	flag.Parse()

	if *versionFlag {
		log.Printf("trackcore v%s (git SHA: %s)", version.Version, version.GitSHA)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	rt, err := runtime.Build(cfg)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer rt.Close()

	log.Printf("trackcore v%s (git SHA: %s) starting", version.Version, version.GitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		log.Fatalf("runtime error: %v", err)
	}

	log.Printf("trackcore stopped")
}
