package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"browsernerd/internal/artifact"
	"browsernerd/internal/config"
	"browsernerd/internal/driver"
	"browsernerd/internal/logging"
	"browsernerd/internal/profile"
	"browsernerd/internal/runner"
	"browsernerd/internal/script"
	"browsernerd/internal/server"
	"browsernerd/internal/session"
	"browsernerd/internal/vision"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane daemon",
	Long: `Starts the REST and WebSocket control plane, the session manager,
and the artifact uploader, then serves until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Get(logging.CategoryBoot)

	if !driver.Available() {
		return fmt.Errorf("no browser binary found; install Chrome or Chromium")
	}

	profiles, err := profile.NewStore(cfg.ProfilesRoot)
	if err != nil {
		return fmt.Errorf("failed to open profile store: %w", err)
	}

	vis, err := buildVision(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	hub := session.NewHub()
	uploader, err := buildUploader(cfg, hub)
	if err != nil {
		return err
	}
	var sinkFor func(string) runner.ArtifactSink
	if uploader != nil {
		sinkFor = func(id string) runner.ArtifactSink { return uploader.SinkFor(id) }
		defer uploader.Close()
	}

	manager := session.NewManager(session.ManagerOptions{
		Config:   cfg,
		Profiles: profiles,
		Vision:   vis,
		SinkFor:  sinkFor,
		Hub:      hub,
	})

	srv := server.New(server.Options{
		Config:   cfg,
		Manager:  manager,
		Uploader: uploader,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("session drain", zap.Error(err))
	}
	return nil
}

// buildVision wires the configured vision provider behind an LRU
// cache. No API key means no vision tiers; DOM and locator rungs
// still run.
func buildVision(ctx context.Context, cfg config.Config) (vision.Client, error) {
	log := logging.Get(logging.CategoryBoot)
	if cfg.LLM.APIKey == "" {
		log.Warn("no LLM API key configured, vision escalation tiers disabled")
		return nil, nil
	}
	client, err := vision.NewClient(ctx, vision.Config{
		Provider:       cfg.LLM.Provider,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		BaseURL:        cfg.LLM.BaseURL,
		Timeout:        cfg.LLM.LLMTimeout(),
		CostPerCallUSD: cfg.LLM.CostPerCallUSD,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	return vision.NewCachedClient(client, 256)
}

// buildUploader selects the blob backend from the bucket URI and
// starts the worker pool. Settled artifacts surface on the session's
// event stream.
func buildUploader(cfg config.Config, hub *session.Hub) (*artifact.Uploader, error) {
	store, err := artifact.StoreForBucket(cfg.ArtifactBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact bucket: %w", err)
	}
	if store == nil {
		return nil, nil
	}
	return artifact.NewUploader(store, artifact.UploaderOptions{
		Workers:     cfg.Uploader.Workers,
		MaxAttempts: cfg.Uploader.MaxAttempts,
		Notify: func(sessionID string, ref *script.ArtifactRef) {
			hub.Publish(sessionID, "artifact_settled", map[string]any{
				"artifact_id": ref.ID,
				"category":    ref.Category,
				"state":       string(ref.State),
				"uri":         ref.URI,
			})
		},
	}), nil
}
