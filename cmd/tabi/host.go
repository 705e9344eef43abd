package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabi/internal/bridge"
	"tabi/internal/recorder"
)

func newHostCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run as the extension's native messaging host on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// stdout carries frames
			logger := a.logger(stderr())

			opts := []bridge.Option{
				bridge.WithLogger(logger),
				bridge.WithCallTimeout(a.cfg.Bridge.GetCallTimeout()),
			}
			if dir := a.cfg.Bridge.TraceDir; dir != "" {
				rec, err := recorder.NewRecorder(dir)
				if err != nil {
					return err
				}
				if err := rec.Start(uuid.NewString()); err != nil {
					return err
				}
				defer rec.Close()
				opts = append(opts, bridge.WithTracer(rec))
			}

			conn := bridge.NewConn(os.Stdin, os.Stdout, opts...)
			p, err := buildPipeline(a.cfg, bridge.NewAccessor(conn), localProvider(a.cfg, conn, logger), logger)
			if err != nil {
				return err
			}
			bridge.RegisterCommands(conn, p.gateway)
			watchFailures(ctx, p.history, logger)

			logger.Info("native host ready",
				zap.String("local_provider", a.cfg.Inference.Local.Provider),
				zap.String("remote", a.cfg.Inference.Remote.BaseURL))
			return conn.Serve(ctx)
		},
	}
	cmd.Flags().String("trace-dir", "", "record bridge envelopes as JSONL under this directory")
	_ = a.viper.BindPFlag("bridge.trace_dir", cmd.Flags().Lookup("trace-dir"))
	return cmd
}
