package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikhailofff/chat-sync/internal/api"
	"github.com/mikhailofff/chat-sync/internal/config"
	"github.com/mikhailofff/chat-sync/internal/creds"
	"github.com/mikhailofff/chat-sync/internal/logging"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "chat-sync",
	Short:   "Terminal client for the chat server",
	Long:    "chat-sync keeps a chronologically ordered view of the chat in your terminal:\npaged history merged with live broadcasts, with transparent credential refresh.",
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(signalContext())
	},
}

var signUpCmd = &cobra.Command{
	Use:   "sign-up",
	Short: "Register a new account and sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := signalContext()

		cfg, client, store, err := buildClient()
		if err != nil {
			return err
		}
		defer store.Close()

		if cfg.Username == "" || cfg.Password == "" {
			return fmt.Errorf("CHAT_USERNAME and CHAT_PASSWORD are required for sign-up")
		}

		if err := client.SignUp(ctx, cfg.Username, cfg.Password); err != nil {
			return err
		}

		fmt.Printf("registered and signed in as %s\n", cfg.Username)

		return nil
	},
}

var (
	oldPassword string
	newPassword string
)

var changePasswordCmd = &cobra.Command{
	Use:   "change-password",
	Short: "Change the account password",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := signalContext()

		cfg, client, store, err := buildClient()
		if err != nil {
			return err
		}
		defer store.Close()

		if cfg.Username == "" {
			return fmt.Errorf("CHAT_USERNAME is required")
		}

		old := oldPassword
		if old == "" {
			old = cfg.Password
		}
		if old == "" || newPassword == "" {
			return fmt.Errorf("--old (or CHAT_PASSWORD) and --new are required")
		}

		if err := client.ChangePassword(ctx, cfg.Username, old, newPassword); err != nil {
			return err
		}

		fmt.Println("password changed")

		return nil
	},
}

func buildClient() (*config.Config, *api.Client, *creds.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	store, err := creds.Open(cfg.StatePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening credential store: %w", err)
	}

	return cfg, api.NewClient(cfg.ServerURL, store, logger), store, nil
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func main() {
	rootCmd.AddCommand(runCmd, signUpCmd, changePasswordCmd)
	changePasswordCmd.Flags().StringVar(&oldPassword, "old", "", "current password (defaults to CHAT_PASSWORD)")
	changePasswordCmd.Flags().StringVar(&newPassword, "new", "", "new password")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
