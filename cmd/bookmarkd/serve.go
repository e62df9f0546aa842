package main

import (
	"github.com/spf13/cobra"

	"github.com/bookmarkd/bookmarkd/internal/config"
	"github.com/bookmarkd/bookmarkd/internal/content"
	"github.com/bookmarkd/bookmarkd/internal/home"
	"github.com/bookmarkd/bookmarkd/internal/jobs"
	"github.com/bookmarkd/bookmarkd/internal/locator"
	"github.com/bookmarkd/bookmarkd/internal/reconcile"
	"github.com/bookmarkd/bookmarkd/internal/server"
	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/syncclient"
	"github.com/bookmarkd/bookmarkd/internal/trigger"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bookmarkd daemon",
	Long: `Start the bookmarkd daemon.

This runs the reconciliation engine, the per-service pollers, the audiobook
server event listener, the background job scheduler, and the progress
protocol server, all against the configured sync services.

Examples:
  bookmarkd serve                  # listen on the configured address
  bookmarkd serve --addr :9000     # override the listen address`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		cfgPath := cfgFile
		if cfgPath == "" && h.ConfigExists() {
			cfgPath = h.ConfigPath()
		}
		cfgMgr, err := config.NewManager(cfgPath)
		if err != nil {
			return err
		}
		cfg := cfgMgr.Get()
		logger := newLogger(cfg)

		db, err := store.Open(h.DataPath())
		if err != nil {
			return err
		}
		defer db.Close()

		cache := content.NewCache(cfg.Translator.CacheSize)
		translator := locator.New(locator.Config{
			WindowSize:  cfg.Translator.WindowSize,
			FuzzyCutoff: cfg.Translator.FuzzyCutoff,
		})
		timelines := locator.NewTimelines()
		deps := syncclient.Deps{Cache: cache, Translator: translator, Timelines: timelines}

		registry := buildRegistry(cfg, deps)
		if len(registry.All()) == 0 {
			logger.Warn("no sync clients configured; only the protocol server will run")
		}

		suppressor := reconcile.NewSuppressor(
			cfg.Reconciler.SuppressionWindow, cfg.Reconciler.EchoTolerance)
		engine, err := reconcile.New(reconcile.Config{
			Store:           db,
			Clients:         registry,
			Suppressor:      suppressor,
			Logger:          logger,
			SpreadThreshold: cfg.Reconciler.SpreadThreshold,
			Preference:      reconcile.PositionPreference(cfg.Reconciler.PositionPreference),
			FinishedAt:      cfg.Reconciler.FinishedAt,
		})
		if err != nil {
			return err
		}

		debouncer := trigger.NewDebouncer(engine, cfg.Reconciler.DebounceWindow, logger)
		defer debouncer.Close()

		poller := trigger.NewPoller(trigger.PollerConfig{
			Store:      db,
			Clients:    registry,
			Suppressor: suppressor,
			Debouncer:  debouncer,
			Logger:     logger,
			Intervals:  cfg.PollIntervals(),
		})
		poller.Start(ctx)
		defer poller.Stop()

		if audio, ok := cfg.GetClient(config.ClientAudioServer); ok && audio.Enabled {
			resolved := audio.Resolved()
			push := trigger.NewPushListener(trigger.PushConfig{
				BaseURL:    resolved.BaseURL,
				Token:      resolved.Token,
				Store:      db,
				Suppressor: suppressor,
				Debouncer:  debouncer,
				Logger:     logger,
			})
			push.Start(ctx)
			defer push.Stop()
		}

		runner, err := jobs.NewRunner(jobs.RunnerConfig{
			Store: db,
			Job: jobs.NewBuildTimelineJob(jobs.Dependencies{
				Store:     db,
				Cache:     cache,
				Timelines: timelines,
				Logger:    logger,
			}),
			Logger:     logger,
			MaxRetries: cfg.Jobs.MaxRetries,
		})
		if err != nil {
			return err
		}
		runner.Start(ctx)
		defer runner.Stop()

		scheduler := jobs.NewScheduler(jobs.SchedulerConfig{
			Store:        db,
			Runner:       runner,
			Logger:       logger,
			ScanInterval: cfg.Jobs.ScanInterval,
			RetryDelay:   cfg.Jobs.RetryDelay,
		})
		if err := scheduler.Recover(ctx); err != nil {
			return err
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}
		srv, err := server.New(server.Config{
			Addr:       addr,
			Users:      cfg.Server.Users,
			Store:      db,
			Notifier:   debouncer,
			Suppressor: suppressor,
			Logger:     logger,
		})
		if err != nil {
			return err
		}

		cfgMgr.OnChange(func(c *config.Config) {
			srv.SetUsers(c.Server.Users)
			logger.Info("configuration reloaded")
		})
		cfgMgr.WatchConfig()

		// Blocks until shutdown.
		return srv.Start(ctx)
	},
}

// buildRegistry wires the configured sync services in leader-priority order.
func buildRegistry(cfg *config.Config, deps syncclient.Deps) *syncclient.Registry {
	var clients []syncclient.Client
	for _, name := range config.ClientOrder {
		cc, ok := cfg.GetClient(name)
		if !ok || !cc.Enabled {
			continue
		}
		cc = cc.Resolved()
		switch name {
		case config.ClientAudioServer:
			clients = append(clients, syncclient.NewAudioServer(syncclient.AudioServerOptions{
				BaseURL:   cc.BaseURL,
				APIKey:    cc.Token,
				Threshold: cc.Threshold,
				Timeout:   cc.Timeout,
			}, deps))
		case config.ClientEreader:
			clients = append(clients, syncclient.NewEreader(syncclient.EreaderOptions{
				BaseURL:   cc.BaseURL,
				Username:  cc.Username,
				AuthKey:   cc.APIKey,
				Device:    "bookmarkd",
				Threshold: cc.Threshold,
				Timeout:   cc.Timeout,
			}, deps))
		case config.ClientReadium:
			clients = append(clients, syncclient.NewReadium(syncclient.ReadiumOptions{
				BaseURL:   cc.BaseURL,
				APIKey:    cc.Token,
				Threshold: cc.Threshold,
				Timeout:   cc.Timeout,
			}, deps))
		case config.ClientTracker:
			clients = append(clients, syncclient.NewTracker(syncclient.TrackerOptions{
				BaseURL:   cc.BaseURL,
				Token:     cc.Token,
				Threshold: cc.Threshold,
				Timeout:   cc.Timeout,
			}))
		}
	}
	return syncclient.NewRegistry(clients...)
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address for the progress server")

	rootCmd.AddCommand(serveCmd)
}
