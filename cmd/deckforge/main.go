package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/deckforge/internal/api"
	"github.com/digkill/deckforge/internal/auth"
	"github.com/digkill/deckforge/internal/config"
	"github.com/digkill/deckforge/internal/database"
	"github.com/digkill/deckforge/internal/imagegen"
	"github.com/digkill/deckforge/internal/imagequeue"
	"github.com/digkill/deckforge/internal/metrics"
	"github.com/digkill/deckforge/internal/notify"
	"github.com/digkill/deckforge/internal/outline"
	"github.com/digkill/deckforge/internal/repository"
	"github.com/digkill/deckforge/internal/service"
	"github.com/digkill/deckforge/internal/storage"
	"github.com/digkill/deckforge/pkg/logger"
)

// Version is set at build time with -ldflags.
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "deckforge",
		Short:         "DeckForge credits and image generation API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the reset sweeper",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		migrateCmd(),
		sweepCmd(),
		tokenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "deckforge %s\n", Version)
			},
		},
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// core is the storage-backed part of the service graph shared by every command.
type core struct {
	cfg      config.Config
	log      *slog.Logger
	db       *sql.DB
	metrics  *metrics.Metrics
	plans    *service.PlanService
	resets   *service.ResetService
	credits  *service.CreditService
	accounts *repository.AccountRepository
}

func openCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return buildCore(ctx, cfg, logger.New(cfg.LogLevel))
}

func buildCore(ctx context.Context, cfg config.Config, log *slog.Logger) (*core, error) {
	db, dialect, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connect: %w", err)
	}
	if err := database.Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migrate: %w", err)
	}

	m := metrics.New()
	accounts := repository.NewAccountRepository(db)
	plans := service.NewPlanService(repository.NewPlanRepository(db), log)
	if err := plans.EnsureDefaultPlans(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure default plans: %w", err)
	}
	resets := service.NewResetService(accounts, plans, log, m, cfg.ResetPeriod)
	creditSvc := service.NewCreditService(accounts, repository.NewHistoryRepository(db), plans, resets, log, m)

	return &core{
		cfg:      cfg,
		log:      log,
		db:       db,
		metrics:  m,
		plans:    plans,
		resets:   resets,
		credits:  creditSvc,
		accounts: accounts,
	}, nil
}

func (c *core) Close() error {
	return c.db.Close()
}

func queueOptions(cfg config.Config) imagequeue.Options {
	return imagequeue.Options{
		MaxAttempts:    cfg.QueueMaxAttempts,
		BaseBackoff:    cfg.QueueBaseBackoff,
		MaxBackoff:     cfg.QueueMaxBackoff,
		AttemptTimeout: cfg.QueueAttemptTimeout,
		Delays: map[imagequeue.Provider]time.Duration{
			imagequeue.ProviderGoogle:   cfg.QueueDelayGoogle,
			imagequeue.ProviderAPIFrame: cfg.QueueDelayAPIFrame,
			imagequeue.ProviderIdeogram: cfg.QueueDelayIdeogram,
		},
	}
}

func runServe(ctx context.Context) error {
	c, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	cfg, log := c.cfg, c.log

	queue := imagequeue.New(queueOptions(cfg), log, c.metrics)
	router := imagequeue.NewRouter(imagequeue.DefaultFallbacks(), log, c.metrics)
	providers := imagegen.NewClient(cfg, log)

	var archiver service.ImageArchiver
	if cfg.ArchiveEnabled() {
		a, err := storage.NewArchiver(storage.ConfigFrom(cfg))
		if err != nil {
			return fmt.Errorf("storage archiver: %w", err)
		}
		archiver = a
	}

	var alerts notify.Alerter = notify.Nop{}
	if cfg.AlertsEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramAlertChatID, log)
		if err != nil {
			// Alerts are best effort; the API still serves without them.
			log.Error("telegram alerts disabled", "err", err)
		} else {
			alerts = tg
		}
	}

	images := service.NewImageService(c.credits, queue, router, providers.Execute, archiver, alerts,
		repository.NewGenerationRepository(c.db), log)

	var outlines *outline.Service
	if cfg.GeminiAPIKey != "" {
		gemini, err := outline.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return err
		}
		defer gemini.Close()
		outlines = outline.NewService(c.credits, gemini, log)
	} else {
		log.Warn("GEMINI_API_KEY not set, outline endpoints disabled")
	}

	server := api.NewServer(cfg.HTTPListenAddr, cfg.AdminUsername, cfg.AdminPassword, log, api.Deps{
		Credits:  c.credits,
		Plans:    c.plans,
		Resets:   c.resets,
		Images:   images,
		Outlines: outlines,
		Tokens:   auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL),
		Metrics:  c.metrics,
		DB:       c.db,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	g.Go(func() error {
		return c.resets.RunSweeper(ctx, cfg.ResetSweepInterval, cfg.ResetSweepBatch)
	})
	g.Go(func() error {
		<-ctx.Done()
		if n := queue.ClearQueues(); n > 0 {
			log.Warn("rejected queued generations on shutdown", "count", n)
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
