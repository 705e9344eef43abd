package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"tabi/internal/agentserver"
	"tabi/internal/interactions"
)

func newAgentCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the remote planning backend (POST /agent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger(stderr())
			cfg := a.cfg.Agent

			planner, err := agentserver.NewGeminiPlanner(ctx, cfg.APIKey(), cfg.Model, logger)
			if err != nil {
				return fmt.Errorf("%w (set %s)", err, cfg.APIKeyEnv)
			}

			var store agentserver.InteractionStore
			if cfg.DatabaseURL != "" {
				pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("connect interaction database: %w", err)
				}
				defer pool.Close()

				s := interactions.NewStore(pool, logger)
				if err := s.EnsureSchema(ctx); err != nil {
					return err
				}
				store = s
				logger.Info("interaction log enabled")
			}

			return agentserver.New(cfg, planner, store, logger).ListenAndServe(ctx)
		},
	}
	cmd.Flags().String("listen", "", "listen address, e.g. :8000")
	cmd.Flags().String("model", "", "Gemini model name")
	cmd.Flags().String("database-url", "", "Postgres URL for the interaction log")
	_ = a.viper.BindPFlag("agent.listen", cmd.Flags().Lookup("listen"))
	_ = a.viper.BindPFlag("agent.model", cmd.Flags().Lookup("model"))
	_ = a.viper.BindPFlag("agent.database_url", cmd.Flags().Lookup("database-url"))
	return cmd
}
