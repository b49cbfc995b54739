package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/teampulse/pulse-ai/internal/ai"
	"github.com/teampulse/pulse-ai/internal/api"
	"github.com/teampulse/pulse-ai/internal/api/handlers/chat"
	"github.com/teampulse/pulse-ai/internal/api/handlers/management"
	"github.com/teampulse/pulse-ai/internal/attachments"
	"github.com/teampulse/pulse-ai/internal/config"
	"github.com/teampulse/pulse-ai/internal/database"
	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/logging"
	"github.com/teampulse/pulse-ai/internal/memory"
	"github.com/teampulse/pulse-ai/internal/metrics"
	"github.com/teampulse/pulse-ai/internal/runtime/executor"
	"github.com/teampulse/pulse-ai/internal/store"
	"github.com/teampulse/pulse-ai/internal/telemetry"
	"github.com/teampulse/pulse-ai/internal/usage"
)

func newServeCmd(configPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat gateway",
		Long:  "Start the HTTP server with the chat, management, health and metrics endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")

	return cmd
}

// closers runs cleanups in reverse registration order.
type closers []func(context.Context) error

func (c *closers) add(fn func(context.Context) error) { *c = append(*c, fn) }

func (c closers) close(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i](ctx))
	}
	return errors.Join(errs...)
}

func closerFunc(cl io.Closer) func(context.Context) error {
	return func(context.Context) error { return cl.Close() }
}

func serve(ctx context.Context, cfg *config.Config) (err error) {
	var cleanup closers
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if cerr := cleanup.close(shutdownCtx); cerr != nil {
			log.WithError(cerr).Warn("shutdown finished with errors")
		}
	}()

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	cleanup.add(closerFunc(logCloser))

	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
	} else {
		cleanup.add(shutdownTracing)
	}

	pool := newPool(cfg)
	for _, provider := range keys.Providers {
		log.Infof("%s: %d key(s) configured", provider, pool.Len(provider))
	}
	manager := keys.NewManager(pool, keys.Options{
		MaxErrorCount:  cfg.Keys.MaxErrorCount,
		ErrorCooldown:  cfg.Keys.ErrorCooldown,
		AssignmentTTL:  cfg.Keys.AssignmentTTL,
		OnHealthChange: metrics.ObserveKeyHealth,
	})
	for _, h := range manager.Snapshot() {
		metrics.ObserveKeyHealth(h)
	}
	cleanup.add(func(context.Context) error { manager.Stop(); return nil })

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	cleanup.add(func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	messages, err := openMessageStore(ctx, cfg, db, &cleanup)
	if err != nil {
		return err
	}

	memOpts := []memory.Option{}
	if cfg.Memory.Redis.Addr != "" {
		rc, err := memory.NewRedisCache(cfg.Memory.Redis, cfg.Memory.SecondaryTTL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, using the in-process context cache")
			memOpts = append(memOpts, memory.WithSecondary(memory.NewLocalCache(0, cfg.Memory.SecondaryTTL)))
		} else {
			memOpts = append(memOpts, memory.WithSecondary(rc))
			cleanup.add(closerFunc(rc))
		}
	} else {
		memOpts = append(memOpts, memory.WithSecondary(memory.NewLocalCache(0, cfg.Memory.SecondaryTTL)))
	}
	mem := memory.New(messages, memOpts...)

	var objects attachments.ObjectGetter
	minioStore, err := attachments.NewMinioStore(cfg.Storage)
	if err != nil {
		log.WithError(err).Warn("object storage unavailable, stored attachments will be skipped")
	} else if minioStore != nil {
		objects = minioStore
	}
	resolver := attachments.NewResolver(objects, nil, cfg.Storage.MaxBytes)

	prices := usage.DefaultPriceTable()
	if cfg.Pricing.File != "" {
		if cfg.Pricing.Watch {
			watcher, err := usage.WatchPrices(ctx, prices, cfg.Pricing.File)
			if err != nil {
				return fmt.Errorf("pricing: %w", err)
			}
			cleanup.add(func(context.Context) error { return watcher.Close() })
		} else if err := prices.Load(cfg.Pricing.File); err != nil {
			return fmt.Errorf("pricing: %w", err)
		}
	}

	stats := usage.NewRequestStatistics()
	plugins := []usage.Plugin{metrics.UsagePlugin{}}
	if cfg.Usage.StatisticsEnabled {
		plugins = append(plugins, usage.NewStatisticsPlugin(stats))
	}
	if cfg.Usage.RequestLogEnabled {
		plugins = append(plugins, usage.NewDatabasePlugin(db))
	}
	sink := usage.NewAsyncSink(cfg.Usage.QueueSize, plugins...)
	cleanup.add(sink.Close)

	var budget *ai.Budget
	if cfg.AI.MaxPromptTokens > 0 {
		budget, err = ai.NewBudget(cfg.AI.MaxPromptTokens)
		if err != nil {
			log.WithError(err).Warn("tokenizer unavailable, prompt history will not be trimmed")
		}
	}

	defaultProvider, err := keys.ParseProvider(cfg.AI.DefaultProvider)
	if err != nil {
		return fmt.Errorf("ai.default-provider: %w", err)
	}

	client := executor.NewHTTPClient()
	orchestrator := ai.New(ai.Deps{
		Keys: manager,
		Executors: []executor.Executor{
			executor.NewOpenAIExecutor(cfg.Providers[string(keys.OpenAI)].BaseURL, client),
			executor.NewClaudeExecutor(cfg.Providers[string(keys.Anthropic)].BaseURL, client),
		},
		Memory:      mem,
		Attachments: resolver,
		Budget:      budget,
		Prices:      prices,
		Sink:        sink,
	}, ai.Options{
		Preamble:        cfg.AI.SystemPreamble,
		DefaultProvider: defaultProvider,
		DefaultModels: map[keys.Provider]string{
			keys.OpenAI:    cfg.Providers[string(keys.OpenAI)].DefaultModel,
			keys.Anthropic: cfg.Providers[string(keys.Anthropic)].DefaultModel,
		},
		Timeout:     cfg.AI.RequestTimeout,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		RetryAfter:  cfg.Keys.ErrorCooldown,
	})

	server := api.NewServer(
		cfg.Server.Addr(),
		cfg.Telemetry.ServiceName,
		chat.NewHandler(orchestrator, messages),
		management.NewHandler(db, stats, manager, cfg.Server.ManagementKey),
	)
	return server.Run(ctx)
}

// messageStore is both sides of the persisted channel history.
type messageStore interface {
	memory.MessageStore
	memory.MessageWriter
}

func openMessageStore(ctx context.Context, cfg *config.Config, db *gorm.DB, cleanup *closers) (messageStore, error) {
	if cfg.Messages.PostgresDSN == "" {
		return database.NewMessageStore(db), nil
	}
	pg, err := store.Open(ctx, cfg.Messages.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("message store: %w", err)
	}
	cleanup.add(func(context.Context) error { pg.Close(); return nil })
	return pg, nil
}
