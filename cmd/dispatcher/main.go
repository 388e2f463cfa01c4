package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/splax/morphlink/internal/app/stack"
	"github.com/splax/morphlink/internal/autopilot"
	"github.com/splax/morphlink/internal/dispatch"
	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/forward"
	"github.com/splax/morphlink/internal/ratewindow"
	"github.com/splax/morphlink/internal/supervisor"
	"github.com/splax/morphlink/internal/ws"
	"github.com/splax/morphlink/pkg/config"
	"github.com/splax/morphlink/pkg/logger"
)

const probeTimeout = time.Second

func main() {
	cfg := config.LoadDispatcherConfig()
	log := logger.New("dispatcher", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if reason := cfg.ScaleOutBlocker(); reason != "" {
		log.Warn("scale out disabled, every module stays in-process", "reason", reason)
	}

	selfURL := localURL(cfg.Addr)
	st, err := stack.Build(ctx, stackOptions(cfg, selfURL), log)
	if err != nil {
		log.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if consumer := st.ClickConsumer(); consumer != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("click consumer stopped", "error", err)
			}
		}()
	}

	specs, err := workerSpecs(cfg, selfURL)
	if err != nil {
		log.Error("failed to load module launch config", "error", err)
		os.Exit(1)
	}

	launcher := supervisor.SelectLauncher{Exec: supervisor.NewExecLauncher(log)}
	if needsDocker(specs) {
		docker, err := supervisor.NewDockerLauncher("", log)
		if err != nil {
			log.Error("failed to create docker launcher", "error", err)
			os.Exit(1)
		}
		defer docker.Close()
		if err := docker.Ping(ctx); err != nil {
			log.Warn("docker daemon unreachable, image workers will fail to start", "error", err)
		}
		launcher.Docker = docker
	}

	sup := supervisor.New(specs, launcher, supervisor.NewHTTPProber(probeTimeout), log, supervisor.Options{
		ReadyTimeout: cfg.WorkerReadyTimeout,
		StopTimeout:  cfg.WorkerStopTimeout,
		BackoffBase:  cfg.SpawnBackoffBase,
		BackoffMax:   cfg.SpawnBackoffMax,
	})

	hub := ws.NewHub(cfg.EventBuffer, log)
	defer hub.Close()

	rates := ratewindow.New(cfg.RateWindow, domain.Modules()...)
	ctrl := autopilot.New(domain.Modules(), rates, sup, hub, log, controllerOptions(cfg))
	go ctrl.Run(ctx)

	handlers := st.Handlers(rates)
	modules := make([]dispatch.Module, 0, len(specs))
	for _, spec := range specs {
		modules = append(modules, dispatch.Module{
			ID:     spec.Module,
			Local:  handlers[spec.Module],
			Remote: forward.New(spec.Module, spec.Addr, cfg.ForwardTimeout, log),
		})
	}
	router := dispatch.NewRouter(dispatch.DefaultRoutes(), modules, rates, ctrl, sup, log)

	mux := http.NewServeMux()
	dispatch.NewAdmin(ctrl, sup, hub, st.Store.Ping, log).Register(mux)
	mux.Handle("/", router)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("dispatcher starting", "addr", cfg.Addr, "storage", cfg.Storage, "click_sink", cfg.ClickSink)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		ctrl.Wait()
		stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.WorkerStopTimeout+time.Second)
		defer cancelStop()
		sup.StopAll(stopCtx)
		log.Info("dispatcher stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.WorkerStopTimeout+time.Second)
			sup.StopAll(stopCtx)
			cancelStop()
			os.Exit(1)
		}
	}
}

func stackOptions(cfg config.DispatcherConfig, selfURL string) stack.Options {
	return stack.Options{
		Storage:       cfg.Storage,
		DatabaseURL:   cfg.DatabaseURL,
		MigrationsDir: cfg.MigrationsDir,
		AutoMigrate:   cfg.AutoMigrate,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		AllowedUsers:  cfg.AllowedUsers,
		ClickSink:     cfg.ClickSink,
		ClickURL:      selfURL,
		KafkaBrokers:  cfg.KafkaBrokers,
		KafkaTopic:    cfg.KafkaClickTopic,
		SharedCache:   cfg.ScaleOutBlocker() == "",
	}
}

func controllerOptions(cfg config.DispatcherConfig) autopilot.Options {
	return autopilot.Options{
		ScaleOutRPM: cfg.ScaleOutRPM,
		ScaleInRPM:  cfg.ScaleInRPM,
		Cooldown:    cfg.ModeCooldown,
		Interval:    cfg.ControlLoopEvery,
		Pinned:      cfg.ScaleOutBlocker() != "",
	}
}

// workerSpecs resolves the launch config of every module. Workers learn
// where to post clicks from DISPATCHER_URL unless the launch file sets it.
func workerSpecs(cfg config.DispatcherConfig, selfURL string) ([]supervisor.Spec, error) {
	ids := make([]string, 0, len(domain.Modules()))
	prefixes := make(map[string]string, len(domain.Modules()))
	for _, id := range domain.Modules() {
		ids = append(ids, string(id))
		prefixes[string(id)] = id.Prefix()
	}
	loaded, err := config.LoadModuleSpecs(cfg.ModulesFile, cfg.WorkerBinary, ids, prefixes)
	if err != nil {
		return nil, err
	}
	specs := make([]supervisor.Spec, 0, len(ids))
	for _, id := range domain.Modules() {
		ms := loaded[string(id)]
		env := make(map[string]string, len(ms.Env)+1)
		env["DISPATCHER_URL"] = selfURL
		for k, v := range ms.Env {
			env[k] = v
		}
		specs = append(specs, supervisor.Spec{
			Module:     id,
			Addr:       ms.Addr,
			Command:    ms.Command,
			Args:       ms.Args,
			Image:      ms.Image,
			HealthPath: ms.HealthPath,
			Env:        env,
		})
	}
	return specs, nil
}

func needsDocker(specs []supervisor.Spec) bool {
	for _, spec := range specs {
		if spec.Image != "" {
			return true
		}
	}
	return false
}

// localURL turns a listen address into a URL reachable from this host.
func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + strings.Replace(addr, "0.0.0.0", "127.0.0.1", 1)
}
