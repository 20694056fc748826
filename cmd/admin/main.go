// Command admin is the operator CLI: workflow lifecycle transitions,
// queue maintenance, and subscriber inspection.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ignite/journey-engine/internal/lifecycle"
	"github.com/ignite/journey-engine/internal/queue"
	"github.com/ignite/journey-engine/internal/schedule"
	"github.com/ignite/journey-engine/internal/store"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [args]

commands:
  activate <workflow-id>      validate and activate a workflow
  pause <workflow-id>         pause an active workflow
  resume <workflow-id>        resume a paused workflow
  archive <workflow-id>       archive a workflow and exit its subscribers
  reclaim                     return expired-lease queue items to pending
  drain <workflow-id>         cancel all pending queue items of a workflow
  dump <subscriber-id>        print a subscriber's audit trail as JSON`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	clock := schedule.System()
	st := store.New(db)
	q := queue.NewStore(db, clock)
	ctl := lifecycle.NewController(st, q, clock)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := os.Args[1]
	switch cmd {
	case "activate", "pause", "resume", "archive":
		id := parseID(argOrUsage(2))
		var err error
		switch cmd {
		case "activate":
			err = ctl.Activate(ctx, id)
		case "pause":
			err = ctl.Pause(ctx, id)
		case "resume":
			err = ctl.Resume(ctx, id)
		case "archive":
			err = ctl.Archive(ctx, id)
		}
		if err != nil {
			log.Fatalf("%s: %v", cmd, err)
		}
		fmt.Printf("workflow %s: %s ok\n", id, cmd)

	case "reclaim":
		n, err := q.ReclaimExpired(ctx)
		if err != nil {
			log.Fatalf("reclaim: %v", err)
		}
		fmt.Printf("reclaimed %d items\n", n)

	case "drain":
		id := parseID(argOrUsage(2))
		n, err := q.CancelWorkflow(ctx, id)
		if err != nil {
			log.Fatalf("drain: %v", err)
		}
		fmt.Printf("cancelled %d pending items\n", n)

	case "dump":
		id := parseID(argOrUsage(2))
		events, err := st.ListEventsBySubscriber(ctx, id, 0)
		if err != nil {
			log.Fatalf("dump: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				log.Fatalf("encode: %v", err)
			}
		}

	default:
		usage()
	}
}

func argOrUsage(i int) string {
	if len(os.Args) <= i {
		usage()
	}
	return os.Args[i]
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		log.Fatalf("bad id %q: %v", s, err)
	}
	return id
}
