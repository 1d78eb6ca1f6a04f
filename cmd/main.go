package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mr-karan/amdispatch/internal/dispatcher"
	"github.com/mr-karan/amdispatch/internal/metrics"
)

var (
	// Version of the build. This is injected at build-time.
	buildString = "unknown"
)

// App is the global container that holds
// objects of various routines that run on boot.
type App struct {
	lo         *slog.Logger
	metrics    *metrics.Manager
	dispatcher *dispatcher.Dispatcher
}

func main() {
	// Initialise and load the config.
	ko, err := initConfig("config.sample.toml", "AMDISPATCH_")
	if err != nil {
		// Need to use `panic` since logger can only be initialised once config is initialised.
		panic(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		lo = initLogger(ko)
		m  = metrics.New("amdispatch")
	)

	st, closeStore, err := initStore(ctx, ko, lo)
	if err != nil {
		lo.Error("error initialising admin configuration store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	provs, err := initProviders(ctx, ko, lo, m)
	if err != nil {
		lo.Error("error initialising providers", "error", err)
		os.Exit(1)
	}

	n, err := initNotifier(lo, provs)
	if err != nil {
		lo.Error("error initialising notifier", "error", err)
		os.Exit(1)
	}

	d, err := initDispatcher(ko, lo, m, st, n)
	if err != nil {
		lo.Error("error initialising dispatcher", "error", err)
		os.Exit(1)
	}

	// Initialise a new instance of app.
	app := &App{
		lo:         lo,
		metrics:    m,
		dispatcher: d,
	}

	// Start an instance of app.
	app.lo.Info("booting amdispatch", "version", buildString)

	// Keep the configuration in sync until shutdown.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	// Start HTTP Server.
	srv := &http.Server{
		Addr:         ko.MustString("app.address"),
		ReadTimeout:  ko.MustDuration("app.server_timeout"),
		WriteTimeout: ko.MustDuration("app.server_timeout"),
		Handler:      initRouter(app, ko.Bool("app.enable_request_logs")),
	}

	go func() {
		app.lo.Info("starting http server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.lo.Error("couldn't start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	app.lo.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.lo.Error("error shutting down http server", "error", err)
	}

	// Wait for the dispatcher to drain its senders.
	wg.Wait()
}

// initRouter registers the HTTP routes.
func initRouter(app *App, requestLogs bool) http.Handler {
	r := chi.NewRouter()

	// Add some middlewares.
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if requestLogs {
		r.Use(middleware.Logger)
	}

	r.Get("/", wrap(app, handleIndex))
	r.Get("/ping", wrap(app, handleHealthCheck))
	r.Get("/metrics", wrap(app, handleMetrics))

	r.Route("/api/v1/orgs/{orgID}", func(r chi.Router) {
		r.Get("/alertmanagers", wrap(app, handleGetAlertmanagers))
		r.Post("/rules/{ruleUID}/notify", wrap(app, handleNotify))
		r.Post("/rules/{ruleUID}/expire", wrap(app, handleExpire))
	})

	return r
}
