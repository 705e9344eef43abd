package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabi/internal/browser"
	mcpserver "tabi/internal/mcp"
)

func newMCPCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the command pipeline as MCP tools over stdio or SSE",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			// in stdio mode both standard streams belong to the client
			var logger *zap.Logger
			if a.cfg.MCP.SSEPort > 0 {
				logger = a.logger(stderr())
			} else {
				logger = a.logger(nil)
			}

			cdp := browser.NewCDPAccessor(a.cfg.Browser, logger)
			if err := cdp.Start(ctx); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := cdp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("browser shutdown failed", zap.Error(err))
				}
			}()

			p, err := buildPipeline(a.cfg, cdp, localProvider(a.cfg, nil, logger), logger)
			if err != nil {
				return err
			}

			watchFailures(ctx, p.history, logger)

			server, err := mcpserver.NewServer(a.cfg, mcpserver.Deps{
				Gateway:    p.gateway,
				Accessor:   cdp,
				Classifier: p.classifier,
				History:    p.history,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			if a.cfg.MCP.SSEPort > 0 {
				err = server.StartSSE(ctx, a.cfg.MCP.SSEPort)
			} else {
				logger.Info("starting MCP stdio server")
				err = server.Start(ctx)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().Int("sse-port", 0, "serve SSE on this port instead of stdio")
	_ = a.viper.BindPFlag("mcp.sse_port", cmd.Flags().Lookup("sse-port"))
	return cmd
}
