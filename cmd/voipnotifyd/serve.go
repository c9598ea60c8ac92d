package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voip-notify/internal/callsession"
	"voip-notify/internal/campaign"
	"voip-notify/internal/config"
	"voip-notify/internal/conversation"
	"voip-notify/internal/db"
	"voip-notify/internal/events"
	"voip-notify/internal/events/natspub"
	"voip-notify/internal/gateway"
	"voip-notify/internal/gateway/twilio"
	"voip-notify/internal/httpapi"
	"voip-notify/internal/logging"
	"voip-notify/internal/scheduler"
	"voip-notify/internal/store"
	"voip-notify/internal/store/memory"
	"voip-notify/internal/store/postgres"
	"voip-notify/internal/transcript"
)

const shutdownTimeout = 10 * time.Second

type serveCommander struct {
	configPath string
	inMemory   bool
	listenAddr string

	cfg    *config.Config
	logger *zap.Logger
}

func newServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, wake-up campaigns and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.configPath, err = cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&cmder.inMemory, "memory", false, "keep state in memory instead of postgres (single node only)")
	cmd.Flags().StringVarP(&cmder.listenAddr, "listen", "l", "", "override listen_addr from the config")
	return cmd
}

func (c *serveCommander) run(parent context.Context) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.listenAddr != "" {
		cfg.ListenAddr = c.listenAddr
	}
	c.cfg = cfg

	c.logger, err = logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return err
	}
	defer func() { _ = c.logger.Sync() }()
	log := c.logger

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st     store.Store
		pinger httpapi.Pinger
	)
	if c.inMemory {
		log.Warn("using in-memory store, state is lost on restart")
		st = memory.New()
	} else {
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		st = postgres.New(pool, log)
		pinger = pool
	}

	pub, err := c.publisher()
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("close publisher", zap.Error(err))
		}
	}()

	clock := clockwork.NewRealClock()
	gw := gateway.NewLimited(twilio.New(cfg.Twilio, log), cfg.Twilio.CallsPerSecond, cfg.Twilio.Burst)

	engine := conversation.NewEngine(c.generator(), conversation.Options{
		ConfirmDigit:     cfg.Wakeup.ConfirmDigit,
		MaxTurns:         cfg.Conversation.MaxTurns,
		GeneratorTimeout: cfg.Conversation.GeneratorTimeout.Std(),
	}, log)

	calls := callsession.NewManager(callsession.Deps{
		Sessions:   st,
		Transcript: transcript.New(st, log),
		Gateway:    gw,
		Engine:     engine,
		Publisher:  pub,
		Clock:      clock,
		Logger:     log,
	}, callsession.Options{
		BaseURL:       cfg.Twilio.WebhookBaseURL,
		Voice:         cfg.Conversation.Voice,
		GatherTimeout: cfg.Wakeup.GatherTimeout,
	})

	orch := campaign.New(campaign.Deps{
		Store:     st,
		Calls:     calls,
		SMS:       gw,
		Publisher: pub,
		Clock:     clock,
		Logger:    log,
	}, campaign.PolicyFromConfig(cfg.Wakeup))
	defer orch.Close()
	calls.Subscribe(orch)

	sched := scheduler.New(scheduler.Deps{
		Store:     st,
		SMS:       gw,
		Calls:     calls,
		Campaigns: orch,
		Publisher: pub,
		Clock:     clock,
		Logger:    log,
	}, scheduler.Options{
		PollInterval:       cfg.Scheduler.PollInterval.Std(),
		BatchSize:          cfg.Scheduler.BatchSize,
		ReminderRetryDelay: cfg.Scheduler.ReminderRetryDelay.Std(),
		DefaultMaxRetries:  cfg.Scheduler.DefaultMaxRetries,
		PersistentWakeup:   cfg.Wakeup.PersistentEnabled,
	})
	if err := sched.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Config:    cfg,
			DB:        pinger,
			Reminders: sched,
			Reader:    st,
			Calls:     calls,
			Confirmer: orch,
			Clock:     clock,
			Logger:    log,
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("voipnotifyd listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *serveCommander) publisher() (events.Publisher, error) {
	if c.cfg.Events.NATSURL == "" {
		return events.Nop{}, nil
	}
	pub, err := natspub.Connect(c.cfg.Events.NATSURL, c.cfg.Events.SubjectPrefix, c.logger)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return pub, nil
}

func (c *serveCommander) generator() conversation.Generator {
	gen, err := conversation.NewOpenAI(c.cfg.Conversation.OpenAIAPIKey, c.cfg.Conversation.OpenAIModel, c.logger)
	if err != nil {
		c.logger.Info("using static conversation replies", zap.Error(err))
		return conversation.Static{}
	}
	return gen
}
