// Command api runs the voice bridge: carrier webhooks, the media stream
// bridge to the voice backend, provider event ingestion and the operator API.
//
//	api serve     start the HTTP server
//	api migrate   apply database migrations
//	api token     mint an operator token pair
//
// Configuration comes from the environment. Outside staging and production a
// .env file in the working directory is loaded first.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"voice-platform/internal/auth"
	"voice-platform/internal/config"
	"voice-platform/internal/rbac"
	"voice-platform/internal/store"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	switch strings.TrimSpace(os.Getenv("APP_ENV")) {
	case "", "local", "dev":
		// A missing .env is fine; the environment may already be populated.
		_ = godotenv.Load()
	}

	// Root context that cancels on shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "api",
		Short:         "Real-time voice AI bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildMigrateCmd())
	root.AddCommand(buildTokenCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := store.Open(cmd.Context(), cfg.DB.Driver, cfg.DatabaseDSN())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.DB.Driver)
			return nil
		},
	}
}

func buildTokenCmd() *cobra.Command {
	var (
		operatorID string
		role       string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access/refresh token pair for an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			operatorID = strings.TrimSpace(operatorID)
			if operatorID == "" {
				return fmt.Errorf("--operator is required")
			}
			if !rbac.Known(role) {
				return fmt.Errorf("unknown role %q", role)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			m, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), operatorID, role)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pair)
		},
	}

	cmd.Flags().StringVar(&operatorID, "operator", "", "Operator id carried in the token subject")
	cmd.Flags().StringVar(&role, "role", rbac.RoleOperator, "Role: admin, operator, viewer or service")
	return cmd
}
