package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/logcrafter/server/internal/broadcast"
	"github.com/logcrafter/server/internal/config"
	"github.com/logcrafter/server/internal/persist"
	"github.com/logcrafter/server/internal/server"
	"github.com/logcrafter/server/internal/store"
)

func main() {
	// Command-line flags; flags left unset defer to the config file.
	configPath := flag.String("config", "", "Path to YAML config file")
	ingestAddr := flag.String("ingest-addr", "", "Ingest listener address")
	queryAddr := flag.String("query-addr", "", "Query listener address")
	capacity := flag.Int("capacity", 0, "In-memory log entries to keep")
	maxClients := flag.Int("max-clients", 0, "Concurrent producer connections")
	maxLineLen := flag.Int("max-line-len", 0, "Longest stored log line in bytes")
	idleTimeoutStr := flag.String("idle-timeout", "", "Idle connection timeout (e.g. 5m, 0 disables)")
	persistOn := flag.Bool("persist", false, "Persist log lines to disk")
	persistDir := flag.String("persist-dir", "", "Directory for persisted log files")
	persistMaxBytes := flag.Int64("persist-max-bytes", 0, "Bytes per log file before rotation")
	persistMaxFiles := flag.Int("persist-max-files", 0, "Rotated files to keep on disk")
	persistCompress := flag.Bool("persist-compress", false, "Compress rotated files with zstd")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags set on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ingest-addr":
			cfg.IngestAddr = *ingestAddr
		case "query-addr":
			cfg.QueryAddr = *queryAddr
		case "capacity":
			cfg.Capacity = *capacity
		case "max-clients":
			cfg.MaxClients = *maxClients
		case "max-line-len":
			cfg.MaxLineLen = *maxLineLen
		case "idle-timeout":
			d, err := time.ParseDuration(*idleTimeoutStr)
			if err != nil {
				log.Fatalf("Invalid idle timeout: %v", err)
			}
			cfg.IdleTimeout = config.Duration(d)
		case "persist":
			cfg.Persistence.Enabled = *persistOn
		case "persist-dir":
			cfg.Persistence.Dir = *persistDir
		case "persist-max-bytes":
			cfg.Persistence.MaxFileSize = *persistMaxBytes
		case "persist-max-files":
			cfg.Persistence.MaxFiles = *persistMaxFiles
		case "persist-compress":
			cfg.Persistence.Compress = *persistCompress
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Println("LogCrafter server starting...")

	// 1. Initialize the in-memory ring store
	st := store.New(cfg.Capacity, cfg.MaxLineLen)
	log.Printf("Log store initialized. Capacity: %d entries, max line: %d bytes",
		st.Capacity(), cfg.MaxLineLen)

	// 2. Open persistence and replay what earlier runs wrote
	var writer *persist.Writer
	if cfg.Persistence.Enabled {
		writer, err = persist.Open(persist.Config{
			Dir:         cfg.Persistence.Dir,
			MaxFileSize: cfg.Persistence.MaxFileSize,
			MaxFiles:    cfg.Persistence.MaxFiles,
			Compress:    cfg.Persistence.Compress,
		})
		if err != nil {
			log.Fatalf("Failed to open persistence: %v", err)
		}
		replayed := 0
		if err := writer.Replay(func(ts int64, text string) {
			st.AppendAt(text, ts)
			replayed++
		}); err != nil {
			log.Printf("Replay incomplete: %v", err)
		}
		log.Printf("Persistence enabled. Dir: %s, replayed %d records",
			cfg.Persistence.Dir, replayed)
	}

	// 3. Broadcast hub with the default channels
	hub := broadcast.NewHub()

	// 4. Start the TCP listeners in a goroutine
	srv := server.New(cfg, st, writer, hub)
	if err := srv.Listen(); err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// 5. Graceful shutdown hook
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Block until signal
	sig := <-quit
	log.Printf("Received signal: %v. Shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	hub.Close()
	if n := hub.QueueDrops(); n > 0 {
		log.Printf("Broadcast queue dropped %d entries while running", n)
	}

	if writer != nil {
		log.Println("Flushing persistence queue...")
		if err := writer.Close(); err != nil {
			log.Printf("Persistence close failed: %v", err)
		}
	}

	log.Println("LogCrafter exited gracefully.")
}
