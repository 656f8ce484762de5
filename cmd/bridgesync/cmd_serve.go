package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/macjediwizard/bridgesync/internal/orchestrator"
	"github.com/macjediwizard/bridgesync/internal/scheduler"
	"github.com/macjediwizard/bridgesync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

// newServeCmd creates the "bridgesync serve" subcommand.
func newServeCmd() *cobra.Command {
	var (
		noJobs         bool
		checkEndpoints bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and scheduled jobs",
		Long:  "Serves webhook ingestion and the admin API, and runs the queue,\nsync and reconciliation jobs until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), !noJobs, checkEndpoints)
		},
	}

	cmd.Flags().BoolVar(&noJobs, "no-jobs", false, "serve HTTP only, without scheduled jobs")
	cmd.Flags().BoolVar(&checkEndpoints, "check-endpoints", false, "refuse to start unless every bridge endpoint answers")

	return cmd
}

func serve(ctx context.Context, withJobs, checkEndpoints bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log.Println("Starting bridgesync...")

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if checkEndpoints {
		failures := a.cfg.CheckEndpoints(ctx)
		for name, err := range failures {
			log.Printf("Bridge %s endpoint check failed: %v", name, err)
		}
		if len(failures) > 0 {
			return fmt.Errorf("%d bridge endpoints unreachable", len(failures))
		}
	}

	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	subs := orchestrator.NewSubscriptions(a.db, a.registry, a.cfg.WebhookURL)

	sched := scheduler.New(a.db, a.metrics)
	if withJobs {
		sched.AddStandardJobs(scheduler.Services{
			Orchestrator:     a.orch,
			Reconciler:       a.rec,
			Queue:            a.queue,
			Subscriptions:    subs,
			Window:           a.cfg.Sync.Window,
			Intervals:        a.cfg.Jobs,
			MaxMappingErrors: a.cfg.Sync.MaxMappingErrors,
		})
	}

	handlers := web.NewHandlers(web.Deps{
		DB:               a.db,
		Orchestrator:     a.orch,
		Reconciler:       a.rec,
		Queue:            a.queue,
		Subscriptions:    subs,
		Tracker:          a.tracker,
		Metrics:          a.metrics,
		Window:           a.cfg.Sync.Window,
		GraphClientState: a.cfg.Webhooks.GraphClientState,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())
	web.SetupRoutes(router, handlers, a.cfg.RateLimiting)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Server listening on port %d", a.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched.Start()

	// Wait for interrupt signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received %s, shutting down...", sig)
	case err = <-serverErr:
		log.Printf("Server failed: %v", err)
	case <-ctx.Done():
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	subs.Close(shutdownCtx)

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf("Server forced to shutdown: %v", shutdownErr)
	}

	log.Println("Server stopped")
	return err
}
