package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splax/morphlink/internal/app/stack"
	"github.com/splax/morphlink/internal/domain"
	httpx "github.com/splax/morphlink/internal/http"
	"github.com/splax/morphlink/internal/ratewindow"
	"github.com/splax/morphlink/pkg/config"
	"github.com/splax/morphlink/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	moduleName := flag.String("module", cfg.Module, "module to serve (links|redirector|analytics)")
	addr := flag.String("addr", cfg.Addr, "listen address")
	flag.Parse()

	module, err := domain.ParseModuleID(*moduleName)
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	if *addr == "" {
		log.Error("listen address required, pass -addr or set WORKER_ADDR")
		os.Exit(2)
	}
	log = log.With("module", module)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := stack.Build(ctx, workerStackOptions(cfg), log)
	if err != nil {
		log.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rates := ratewindow.New(time.Minute, module)
	handler := st.Handlers(rates)[module]

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newWorkerMux(module, handler, rates),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("worker starting", "addr", *addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("worker stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// newWorkerMux serves one module under its prefix and samples every request
// so the worker's own /metrics reports its rate.
func newWorkerMux(module domain.ModuleID, handler http.Handler, rates *ratewindow.Counter) http.Handler {
	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rates.Record(module)
		handler.ServeHTTP(w, r)
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "module": string(module)})
	})
	mux.Handle(module.Prefix(), counted)
	mux.Handle(module.Prefix()+"/", counted)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "Invalid path")
	})
	return mux
}

func workerStackOptions(cfg config.WorkerConfig) stack.Options {
	return stack.Options{
		Storage:       cfg.Storage,
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		AllowedUsers:  cfg.AllowedUsers,
		ClickSink:     cfg.ClickSink,
		ClickURL:      cfg.DispatcherURL,
		KafkaBrokers:  cfg.KafkaBrokers,
		KafkaTopic:    cfg.KafkaClickTopic,
		SharedCache:   true,
	}
}
