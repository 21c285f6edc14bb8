package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"browsernerd/internal/profile"
	"browsernerd/internal/script"
	"browsernerd/internal/server"
	"browsernerd/internal/session"
)

var (
	runHeadless bool
	runHeadful  bool
)

var runCmd = &cobra.Command{
	Use:   "run <script.json>",
	Short: "Execute one script and print the result",
	Long: `Opens a session for the script's profile requirements, runs every
step, prints the structured result as JSON, and closes the session.

The exit code is 0 only when the run completes; aborted, stopped, and
errored runs exit 1.`,
	Args: cobra.ExactArgs(1),
	RunE: runScript,
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "force headless mode")
	runCmd.Flags().BoolVar(&runHeadful, "headful", false, "force a visible browser window")
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	scr, err := script.Load(args[0])
	if err != nil {
		return err
	}
	server.NewCredentialStore(cfg.ConsolidatedSecretPath).InjectScript(scr)

	profiles, err := profile.NewStore(cfg.ProfilesRoot)
	if err != nil {
		return fmt.Errorf("failed to open profile store: %w", err)
	}
	vis, err := buildVision(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	manager := session.NewManager(session.ManagerOptions{
		Config:   cfg,
		Profiles: profiles,
		Vision:   vis,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var headless *bool
	if runHeadless {
		t := true
		headless = &t
	} else if runHeadful {
		f := false
		headless = &f
	}

	sess, err := manager.Open(ctx, session.OpenOptions{
		Requirements: scr.Session,
		Headless:     headless,
	})
	if err != nil {
		return err
	}
	defer manager.Close(context.Background(), sess.ID)

	result, err := manager.ExecuteScript(ctx, sess.ID, scr)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))

	if result.Status != script.RunCompleted {
		return fmt.Errorf("script %s: %s", result.Status, result.Error)
	}
	return nil
}
