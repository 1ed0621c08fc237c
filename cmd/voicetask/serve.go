package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/voicetask/internal/api"
	"github.com/nugget/voicetask/internal/buildinfo"
	"github.com/nugget/voicetask/internal/classifier"
	"github.com/nugget/voicetask/internal/connwatch"
	"github.com/nugget/voicetask/internal/llm"
	"github.com/nugget/voicetask/internal/logging"
	"github.com/nugget/voicetask/internal/mqtt"
	"github.com/nugget/voicetask/internal/persist"
	"github.com/nugget/voicetask/internal/usage"
	"github.com/nugget/voicetask/internal/voicetask"
)

// shutdownTimeout bounds each shutdown step.
const shutdownTimeout = 5 * time.Second

// runServe starts the SDK, the HTTP API and the MQTT bridge, and blocks
// until ctx is cancelled or the process receives SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, _ io.Writer, configPath string) error {
	cfg, logger, err := setup(configPath, stdout)
	if err != nil {
		return err
	}
	logger.Info("starting voicetask", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	multi, err := newLLMClient(cfg, logger)
	if err != nil {
		return err
	}
	var client llm.Client = multi

	db, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	var store persist.Store
	var usageStore *usage.Store
	if db != nil {
		store = db
		defer db.Close()
		if usageStore, err = usage.NewStore(db.DB()); err != nil {
			return err
		}
		client = usage.NewClient(client, usageStore, multi.Provider, cfg.Usage.Pricing, logger)
	}

	sdkCfg, err := sdkConfig(cfg, logger, client, store)
	if err != nil {
		return err
	}
	sdk, err := voicetask.New(ctx, sdkCfg)
	if err != nil {
		return fmt.Errorf("start sdk: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sdk.Close(closeCtx); err != nil {
			logger.Error("sdk close failed", "error", err)
		}
	}()

	if err := register(sdk, cfg, logger); err != nil {
		return err
	}
	if err := registerLogAgent(sdk, cfg, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Check only the provider the classifier talks to.
	services := connwatch.NewManager(logger)
	defer services.Stop()
	if cfg.Classifier.Mode != string(classifier.ModeCustom) {
		if p, ok := multi.Lookup(cfg.Classifier.Provider); ok {
			services.Watch(gctx, connwatch.Target{
				Name:  cfg.Classifier.Provider,
				Check: p.Ping,
				OnChange: func(st connwatch.Status) {
					if st.Ready {
						sdk.Logger().Info(logging.CategoryClassifier, "llm provider reachable", "provider", st.Name)
					} else {
						sdk.Logger().Warn(logging.CategoryClassifier, "llm provider unreachable", "provider", st.Name, "error", st.LastError)
					}
				},
			})
		}
	}

	if cfg.Listen.Port > 0 {
		server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sdk, logger)
		server.SetServices(services)
		if usageStore != nil {
			server.SetUsage(usageStore)
		}
		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	} else {
		logger.Info("API server disabled")
	}

	if cfg.MQTT.Enabled() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		bridge, err := mqtt.New(cfg.MQTT, instanceID, sdk, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := bridge.Start(gctx); err != nil {
				return err
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := bridge.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown failed", "error", err)
			}
			return nil
		})
	} else {
		logger.Info("MQTT bridge disabled")
	}

	// Keeps the group alive when both surfaces are disabled.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
