package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/koltyakov/groupsync/internal/config"
	"github.com/koltyakov/groupsync/internal/conn"
	"github.com/koltyakov/groupsync/internal/scheduler"
	"github.com/koltyakov/groupsync/internal/store"
)

func main() {
	// Set log format to show only time without date
	log.SetFlags(log.Ltime)

	var (
		configFile = flag.String("config", "groupsync.json", "Path to configuration file")
		serve      = flag.Bool("serve", false, "Run the background scheduler until interrupted")
		checkGroup = flag.String("check", "", "Check sync status of the given group id now")
		syncConfig = flag.String("sync", "", "Trigger a sync run for the given config id")
		showStatus = flag.String("status", "", "Print the aggregated status of the given group id")
		listRuns   = flag.String("runs", "", "Print recent runs for the given config id")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	// .env is optional; environment variables still apply without it.
	_ = godotenv.Load()

	// The default config file is optional; an explicitly given one is not.
	if !isFlagSet("config") {
		if _, err := os.Stat(*configFile); os.IsNotExist(err) {
			*configFile = ""
		}
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *verbose {
		cfg.Verbose = true
	}

	st, err := store.New(cfg.MetadataDB)
	if err != nil {
		log.Fatalf("Failed to open metadata store: %v", err)
	}
	defer func() { _ = st.Close() }()

	registry := conn.NewRegistry(cfg.Connections)
	defer func() { _ = registry.Close() }()

	svc := scheduler.New(st, registry, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *checkGroup != "":
		if err := svc.CheckGroup(ctx, *checkGroup); err != nil {
			log.Fatalf("Check failed: %v", err)
		}
		printStatus(svc, *checkGroup)

	case *showStatus != "":
		printStatus(svc, *showStatus)

	case *syncConfig != "":
		handle, err := svc.TriggerSync(ctx, *syncConfig)
		if err != nil {
			log.Fatalf("Failed to trigger sync: %v", err)
		}
		<-handle.Done()
		run := handle.Run()
		printJSON(run)
		if run.Error != "" {
			os.Exit(1)
		}

	case *listRuns != "":
		runs, err := st.ListRuns(*listRuns, 20)
		if err != nil {
			log.Fatalf("Failed to list runs: %v", err)
		}
		printJSON(runs)

	case *serve:
		ids := make([]string, len(cfg.Connections))
		for i, c := range cfg.Connections {
			ids[i] = c.ID
		}
		if err := svc.PingConnections(ctx, ids); err != nil {
			log.Printf("Warning: some connections are unreachable: %v", err)
		}
		if err := svc.Start(ctx); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
		defer svc.Stop()
		log.Printf("Scheduler running, refreshing every %s", cfg.RefreshInterval.Std())
		<-ctx.Done()
		log.Println("Shutting down")

	default:
		fmt.Fprintf(os.Stderr, "Usage: %s [-config <file>] -serve | -check <group> | -status <group> | -sync <config> | -runs <config>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func printStatus(svc *scheduler.Service, groupID string) {
	groupStatus, err := svc.GetGroupSyncStatus(groupID)
	if err != nil {
		log.Fatalf("Failed to get group status: %v", err)
	}
	printJSON(groupStatus)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
	fmt.Println(string(data))
}
