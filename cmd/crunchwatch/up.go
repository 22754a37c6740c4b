package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rickchristie/govner/crunchwatch/internal/api"
	"github.com/rickchristie/govner/crunchwatch/internal/config"
	"github.com/rickchristie/govner/crunchwatch/internal/coverage"
	"github.com/rickchristie/govner/crunchwatch/internal/engine"
	"github.com/rickchristie/govner/crunchwatch/internal/enginelog"
	"github.com/rickchristie/govner/crunchwatch/internal/tui"
	"github.com/rickchristie/govner/crunchwatch/internal/watcher"
)

func runUp(cfg *config.Config, dir string, headless, debug bool) error {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logFile, err := enginelog.Setup(dir, level)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logPath := filepath.Join(dir, enginelog.FileName)

	log.Info().Str("version", rootCmd.Version).Int("port", cfg.Port).Int("apiPort", cfg.APIPort).
		Bool("autoRun", cfg.AutoRun).Msg("Starting crunchwatch")

	sink := enginelog.NewSink(cfg.EngineLogLines, enginelog.Component("engine-output"))

	var notifier engine.Notifier = engine.LogNotifier{Logger: enginelog.Component("notify"), LogPath: logPath}
	var notices *tui.Notices
	if !headless {
		notices = tui.NewNotices(16)
		notifier = engine.MultiNotifier{notifier, notices}
	}

	ctrl, store, shutdown := newCore(cfg, notifier, sink)
	defer func() {
		if err := shutdown(); err != nil {
			log.Error().Err(err).Msg("Failed to stop engine on exit")
			fmt.Fprintf(os.Stderr, "Failed to stop engine: %v\nSee %s\n", err, logPath)
		}
	}()

	w, err := watcher.New(watcher.Options{
		Root:       cfg.WorkDir,
		Extensions: cfg.WatchExtensions,
		IgnoreDirs: cfg.IgnoreDirs,
		AutoRun:    cfg.AutoRun,
	}, store, ctrl)
	if err != nil {
		return err
	}

	server, apiErrs, err := api.StartServer(cfg.APIAddr(), api.NewHandler(ctrl, store, w, sink))
	if err != nil {
		w.Close()
		return err
	}
	defer func() {
		if err := api.StopServer(server); err != nil {
			log.Error().Err(err).Msg("Failed to stop API server")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(gctx)
	})

	g.Go(func() error {
		select {
		case err := <-apiErrs:
			return fmt.Errorf("api server died: %w", err)
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		// Failures are reported through the notifier; the API and dashboard
		// stay up so the engine can be started again.
		if err := ctrl.Start(); err != nil {
			log.Warn().Err(err).Msg("Initial engine start failed")
		}
		return nil
	})

	if headless {
		fmt.Printf("crunchwatch %s running (api on %s, log at %s). Press Ctrl+C to stop.\n",
			rootCmd.Version, cfg.APIAddr(), logPath)
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	} else {
		g.Go(func() error {
			defer cancel()
			model := tui.NewModel(tui.Options{
				Engine:  ctrl,
				Store:   store,
				Logs:    sink,
				Notices: notices.C(),
				OnQuit:  cancel,
			})
			return tui.Run(gctx, model)
		})
	}

	err = g.Wait()
	log.Info().Err(err).Msg("Shutting down")
	return err
}

// newCore creates the engine controller and a coverage store following it.
// shutdown disposes the controller while the store is still attached, so the
// store is cleared, then detaches it.
func newCore(cfg *config.Config, notifier engine.Notifier, sink *enginelog.Sink) (*engine.Controller, *coverage.Store, func() error) {
	ctrl := engine.New(engine.Options{
		Config:   cfg,
		Notifier: notifier,
		Sink:     sink,
	})

	store := coverage.NewStore(nil)
	detach := store.Attach(ctrl)

	shutdown := func() error {
		err := ctrl.Dispose()
		detach()
		return err
	}
	return ctrl, store, shutdown
}
