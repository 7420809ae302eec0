// Command trackcorectl is the operator CLI for trackcore: registering
// tracker devices to pilots/races, creating races, and inspecting or
// requeuing dead-lettered queue items.
//
// The args[0]-dispatch subcommand switch, per-subcommand usage strings, and
// log.Fatalf-on-error style are carried from the teacher's
// internal/db/migrate_cli.go RunMigrateCommand.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hfsslive/trackcore/internal/config"
	"github.com/hfsslive/trackcore/internal/model"
	"github.com/hfsslive/trackcore/internal/queue"
	"github.com/hfsslive/trackcore/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	switch os.Args[1] {
	case "device":
		runDeviceCommand(cfg, os.Args[2:])
	case "race":
		runRaceCommand(cfg, os.Args[2:])
	case "queue":
		runQueueCommand(cfg, os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("trackcorectl: operator CLI for trackcore")
	fmt.Println()
	fmt.Println("Usage: trackcorectl <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  device register <device_id> <pilot_id> <pilot_name> <race_id>")
	fmt.Println("  race create <race_id> <name> <timezone>")
	fmt.Println("  queue status <queue_name>")
	fmt.Println("  queue peek <queue_name> <n>")
	fmt.Println("  queue requeue <queue_name> <dlq_index>")
	fmt.Println()
	fmt.Println("Queue names: live_points, upload_points, flymaster_points, scoring_points")
}

func openStore(cfg *config.Config) *store.Store {
	s, err := store.Open(cfg.StorePrimaryURI())
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	return s
}

func openQueue(cfg *config.Config) queue.Store {
	if cfg.KVURI() == "memory" {
		return queue.NewMemStore()
	}
	return queue.NewRedisStore(cfg.KVURI(), cfg.KVPassword(), 1)
}

func runDeviceCommand(cfg *config.Config, args []string) {
	if len(args) < 1 {
		log.Fatal("Usage: trackcorectl device register <device_id> <pilot_id> <pilot_name> <race_id>")
	}
	switch args[0] {
	case "register":
		if len(args) != 5 {
			log.Fatal("Usage: trackcorectl device register <device_id> <pilot_id> <pilot_name> <race_id>")
		}
		s := openStore(cfg)
		defer s.Close()
		if err := s.RegisterDevice(context.Background(), args[1], args[2], args[3], args[4]); err != nil {
			log.Fatalf("register device failed: %v", err)
		}
		fmt.Printf("device %s registered to pilot %s (race %s)\n", args[1], args[2], args[4])
	default:
		log.Fatalf("Unknown device subcommand: %s", args[0])
	}
}

func runRaceCommand(cfg *config.Config, args []string) {
	if len(args) < 1 {
		log.Fatal("Usage: trackcorectl race create <race_id> <name> <timezone>")
	}
	switch args[0] {
	case "create":
		if len(args) != 4 {
			log.Fatal("Usage: trackcorectl race create <race_id> <name> <timezone>")
		}
		s := openStore(cfg)
		defer s.Close()
		race := model.Race{ID: args[1], Name: args[2], Timezone: args[3], StartDate: time.Now().UTC()}
		if err := s.CreateRace(context.Background(), race); err != nil {
			log.Fatalf("create race failed: %v", err)
		}
		fmt.Printf("race %s created\n", args[1])
	default:
		log.Fatalf("Unknown race subcommand: %s", args[0])
	}
}

func runQueueCommand(cfg *config.Config, args []string) {
	if len(args) < 1 {
		log.Fatal("Usage: trackcorectl queue <status|peek|requeue> ...")
	}
	q := openQueue(cfg)
	ctx := context.Background()

	switch args[0] {
	case "status":
		if len(args) != 2 {
			log.Fatal("Usage: trackcorectl queue status <queue_name>")
		}
		name := model.QueueName(args[1])
		depth, err := q.Len(ctx, name)
		if err != nil {
			log.Fatalf("queue status failed: %v", err)
		}
		dlqDepth, err := q.DLQLen(ctx, name)
		if err != nil {
			log.Fatalf("queue status failed: %v", err)
		}
		fmt.Printf("%s: depth=%d dlq_depth=%d\n", name, depth, dlqDepth)

	case "peek":
		if len(args) != 3 {
			log.Fatal("Usage: trackcorectl queue peek <queue_name> <n>")
		}
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			log.Fatalf("invalid n: %v", err)
		}
		items, err := q.PeekDLQ(ctx, model.QueueName(args[1]), n)
		if err != nil {
			log.Fatalf("queue peek failed: %v", err)
		}
		for i, item := range items {
			fmt.Printf("[%d] flight=%s reason=%s retries=%d\n", i, item.Item.FlightID, item.Reason, item.Retries)
		}

	case "requeue":
		if len(args) != 3 {
			log.Fatal("Usage: trackcorectl queue requeue <queue_name> <dlq_index>")
		}
		idx, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			log.Fatalf("invalid dlq_index: %v", err)
		}
		if err := q.RequeueFromDLQ(ctx, model.QueueName(args[1]), idx); err != nil {
			log.Fatalf("queue requeue failed: %v", err)
		}
		fmt.Printf("requeued item %d from %s dlq\n", idx, args[1])

	default:
		log.Fatalf("Unknown queue subcommand: %s", args[0])
	}
}
