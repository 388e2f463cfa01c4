// Package stack assembles storage, cache, click delivery and the module
// services shared by the dispatcher and worker binaries.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/morphlink/internal/app/migrate"
	"github.com/splax/morphlink/internal/cache"
	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/events"
	httpx "github.com/splax/morphlink/internal/http"
	"github.com/splax/morphlink/internal/repository"
	"github.com/splax/morphlink/internal/repository/memory"
	"github.com/splax/morphlink/internal/repository/postgres"
	"github.com/splax/morphlink/internal/service/access"
	"github.com/splax/morphlink/internal/service/analytics"
	"github.com/splax/morphlink/internal/service/links"
	"github.com/splax/morphlink/internal/service/redirector"
	"github.com/splax/morphlink/pkg/clicks"
)

const (
	// SinkDirect stores clicks through the in-process analytics service.
	SinkDirect = "direct"
	// SinkHTTP posts clicks to POST /analytics/clicks.
	SinkHTTP = "http"
	// SinkKafka publishes clicks to a topic drained by ClickConsumer.
	SinkKafka = "kafka"

	clickConsumerGroup = "morphlink-analytics"
	clickHTTPTimeout   = 2 * time.Second
)

// Options selects the backing services.
type Options struct {
	Storage       string
	DatabaseURL   string
	MigrationsDir string
	AutoMigrate   bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AllowedUsers  []string
	ClickSink     string
	ClickURL      string
	KafkaBrokers  []string
	KafkaTopic    string
	// SharedCache is set when other processes serve the same storage. The
	// cache is then Redis or nothing.
	SharedCache bool
}

// Stack holds the services behind the three modules.
type Stack struct {
	Store      repository.Store
	Cache      cache.URLCache
	Links      *links.Service
	Redirector *redirector.Service
	Analytics  *analytics.Service

	opts    Options
	logger  *slog.Logger
	closers []func()
}

// Build opens storage and wires the services. Close releases everything it opened.
func Build(ctx context.Context, opts Options, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stack{opts: opts, logger: logger}

	store, err := s.openStore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Store = store

	if opts.SharedCache {
		s.Cache = cache.OpenShared(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, logger)
	} else {
		s.Cache = cache.Open(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, logger)
	}
	s.closers = append(s.closers, s.Cache.Close)

	users := access.NewAllowlist(opts.AllowedUsers)
	s.Analytics = analytics.New(store, store, users, logger)
	s.Links = links.New(store, users, s.Cache, logger)

	sink, err := s.clickSink()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Redirector = redirector.New(store, s.Cache, sink, logger)
	return s, nil
}

func (s *Stack) openStore(ctx context.Context) (repository.Store, error) {
	switch s.opts.Storage {
	case "", "memory":
		s.logger.Info("using in-memory storage; data is private to this process")
		return memory.New(), nil
	case "postgres":
	default:
		return nil, fmt.Errorf("unknown storage %q", s.opts.Storage)
	}

	pool, err := pgxpool.New(ctx, s.opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s.closers = append(s.closers, pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if s.opts.AutoMigrate {
		runner, err := migrate.New(s.opts.DatabaseURL, s.opts.MigrationsDir, s.logger)
		if err != nil {
			return nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, err
		}
	}
	return postgres.New(pool), nil
}

func (s *Stack) clickSink() (redirector.ClickSink, error) {
	switch s.opts.ClickSink {
	case "", SinkDirect:
		return s.Analytics, nil
	case SinkHTTP:
		emitter, err := clicks.NewEmitter(s.opts.ClickURL, &http.Client{Timeout: clickHTTPTimeout})
		if err != nil {
			return nil, fmt.Errorf("configure click emitter: %w", err)
		}
		return emitter, nil
	case SinkKafka:
		publisher := events.NewPublisher(s.opts.KafkaBrokers, s.opts.KafkaTopic)
		s.closers = append(s.closers, func() {
			if err := publisher.Close(); err != nil {
				s.logger.Warn("close click publisher", "error", err)
			}
		})
		return publisher, nil
	default:
		return nil, fmt.Errorf("unknown click sink %q", s.opts.ClickSink)
	}
}

// ClickConsumer drains the click topic into the analytics service. It is
// nil unless clicks travel through Kafka.
func (s *Stack) ClickConsumer() *events.Consumer {
	if s.opts.ClickSink != SinkKafka {
		return nil
	}
	permanent := func(err error) bool {
		return errors.Is(err, analytics.ErrLinkNotFound) || errors.Is(err, analytics.ErrShortCodeRequired)
	}
	consumer := events.NewConsumer(s.opts.KafkaBrokers, s.opts.KafkaTopic, clickConsumerGroup, s.Analytics, permanent, s.logger)
	s.closers = append(s.closers, func() {
		if err := consumer.Close(); err != nil {
			s.logger.Warn("close click consumer", "error", err)
		}
	})
	return consumer
}

// Handlers builds the HTTP handler of every module.
func (s *Stack) Handlers(rates httpx.RateReporter) map[domain.ModuleID]http.Handler {
	return map[domain.ModuleID]http.Handler{
		domain.ModuleLinks:      httpx.NewLinksHandler(s.Links, rates, s.logger),
		domain.ModuleRedirector: httpx.NewRedirectorHandler(s.Redirector, rates, s.logger),
		domain.ModuleAnalytics:  httpx.NewAnalyticsHandler(s.Analytics, rates, s.logger),
	}
}

// Close releases resources in reverse order of acquisition.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
