package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"

	"guidecast/api"
	"guidecast/config"
	"guidecast/handlers"
	"guidecast/internal/database"
	"guidecast/services/epg"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	refreshOnBoot := flag.Bool("refresh", false, "trigger a feed ingestion at startup")
	flag.Parse()

	fmt.Println("guidecast backend starting...")

	// Determine config path (env or default)
	configPath := os.Getenv("GUIDECAST_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	// Init config manager and load settings (creates defaults if missing)
	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// Set up file logging with rotation
	if settings.Log.File != "" {
		// Ensure log directory exists
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Printf("Warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			// Redirect standard log to both console and file
			multiWriter := io.MultiWriter(os.Stdout, fileWriter)
			log.SetOutput(multiWriter)
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("Logging to file: %s", settings.Log.File)
		}
	}

	// Apply port override if specified
	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	// Open the guide database and run migrations
	db, err := database.Open(settings.Database.Path)
	if err != nil {
		log.Fatalf("failed to open guide database: %v", err)
	}
	defer db.Close()

	store := database.NewStore(db)
	store.RetentionPast = time.Duration(settings.EPG.RetentionPastHours) * time.Hour
	store.RetentionFuture = time.Duration(settings.EPG.RetentionFutureHours) * time.Hour

	scratchDir := filepath.Join(settings.Cache.Directory, "epg")
	fetcher := epg.NewFetcher(afero.NewOsFs(), scratchDir, settings.EPG)
	epgService := epg.NewService(store, fetcher, settings.EPG)

	// Warm the in-memory snapshot from whatever the store already holds,
	// so a restarted server answers lookups before the next refresh.
	epgService.StartHydration(context.Background())
	if *refreshOnBoot {
		epgService.StartIngestion(context.Background())
	}

	// Construct router and register API routes
	r := mux.NewRouter()
	epgHandler := handlers.NewEPGHandler(epgService)
	api.Register(r, epgHandler)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	fmt.Printf("Server starting on %s\n", addr)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-shutdownChan
	log.Println("shutdown signal received, cleaning up...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server gracefully, then wait for background guide workers
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	epgService.Close()

	log.Println("shutdown complete")
}
