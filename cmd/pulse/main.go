package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/pulse.report/internal/api"
	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/db"
	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/pipeline"
	"github.com/banshee-data/pulse.report/internal/timeutil"
	"github.com/banshee-data/pulse.report/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to JSON config file (built-in defaults when empty)")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	sourceFlag  = flag.String("source", "", "Stream source: serial, mock, udp, pcap or none (overrides config)")
	port        = flag.String("port", "", "Serial port to use (overrides config)")
	pcapFile    = flag.String("pcap", "", "Capture to replay when the source is pcap (overrides config)")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	noDB        = flag.Bool("no-db", false, "Disable persistence")
	csvDir      = flag.String("csv-dir", "", "Directory for per-session CSV runs (overrides config)")
	captureFile = flag.String("capture", "", "Mirror the raw stream to this pcap file (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		os.Exit(runMigrate(os.Args[2:]))
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("pulse"))
		return
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlagOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	monitoring.SetLogger(log.Printf)
	log.Printf("starting %s", version.String("pulse"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("pulse: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// runMigrate handles `pulse migrate [-db path] <action>` and returns the exit
// code.
func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	path := fs.String("db", config.EmptyConfig().GetDBPath(), "SQLite database path")
	fs.Parse(args)

	err := db.RunMigrateCommand(fs.Args(), *path, os.Stdout)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, db.ErrUsage):
		fmt.Fprintln(os.Stderr, err)
		return 2
	default:
		log.Printf("migrate: %v", err)
		return 1
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.EmptyConfig(), nil
	}
	return config.LoadConfig(path)
}

// applyFlagOverrides copies every flag the user set onto cfg.
func applyFlagOverrides(cfg *config.Config) {
	set := func(v *string, dst **string) {
		if *v != "" {
			s := *v
			*dst = &s
		}
	}
	set(listen, &cfg.Listen)
	set(sourceFlag, &cfg.Source)
	set(port, &cfg.SerialPort)
	set(pcapFile, &cfg.PCAPFile)
	set(dbPath, &cfg.DBPath)
	set(csvDir, &cfg.CSVDir)
	set(captureFile, &cfg.CaptureFile)
	if *noDB {
		empty := ""
		cfg.DBPath = &empty
	}
}

// run wires source, pipeline, outputs and HTTP server, and blocks until ctx
// is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	clock := timeutil.RealClock{}

	src, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer src.mux.Close()

	var database *db.DB
	if path := cfg.GetDBPath(); path != "" {
		database, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
	} else {
		log.Print("persistence disabled")
	}

	stats := monitoring.NewStreamStats()
	out, err := openOutputs(ctx, cfg, database, src.name, clock)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg.BeatConfig(),
		pipeline.WithSink(out.sink),
		pipeline.WithStats(stats),
		pipeline.WithClock(clock),
		pipeline.WithStatsInterval(cfg.GetStatsInterval()),
		pipeline.WithRecentBeats(cfg.GetRecentBeats()),
	)
	if err != nil {
		out.close(stats.Snapshot())
		return err
	}

	server := api.NewServer(src.mux, database, p, cfg.BeatConfig().SampleRate)
	server.SetSession(out.sessionID)

	chunks, err := src.start(ctx)
	if err != nil {
		out.close(stats.Snapshot())
		return err
	}
	if path := cfg.GetCaptureFile(); path != "" {
		chunks, err = captureTo(ctx, path, cfg.GetPCAPPort(), chunks)
		if err != nil {
			out.close(stats.Snapshot())
			return err
		}
	}

	// Create a wait group for the source, pipeline and HTTP server routines
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		src.run(ctx)
		log.Print("source routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx, chunks); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("pipeline stopped: %v", err)
		}
		if err := src.mux.StopStreaming(); err != nil {
			log.Printf("failed to stop streaming: %v", err)
		}
		out.close(stats.Snapshot())
		stats.LogStats()
		log.Print("pipeline routine terminated")
	}()

	if err := src.mux.StartStreaming(); err != nil {
		log.Printf("failed to start streaming: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		serveHTTP(ctx, cfg.GetListen(), server, src, database)
	}()

	wg.Wait()
	return nil
}

func serveHTTP(ctx context.Context, addr string, server *api.Server, src *source, database *db.DB) {
	mux := server.ServeMux()
	src.mux.AttachAdminRoutes(mux)
	if database != nil {
		database.AttachAdminRoutes(mux)
	}

	httpServer := &http.Server{
		Addr:    addr,
		Handler: api.LoggingMiddleware(mux),
	}

	// Start server in a goroutine so it doesn't block
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := httpServer.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
