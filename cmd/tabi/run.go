package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabi/internal/browser"
	"tabi/internal/gateway"
)

type runOutput struct {
	Outcome gateway.Outcome  `json:"outcome"`
	Error   string           `json:"error,omitempty"`
	Browser *browser.Fixture `json:"browser,omitempty"`
}

func newRunCommand(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run <utterance>",
		Short: "Execute one command and print the outcome as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger(stderr())
			utterance := strings.Join(args, " ")

			var (
				acc    browser.Accessor
				memory *browser.MemoryAccessor
			)
			if dryRun {
				if a.cfg.Browser.Fixture == "" {
					return errors.New("--dry-run needs a fixture (--fixture or browser.fixture)")
				}
				m, err := browser.LoadFixture(a.cfg.Browser.Fixture)
				if err != nil {
					return err
				}
				acc, memory = m, m
			} else {
				cdp := browser.NewCDPAccessor(a.cfg.Browser, logger)
				if err := cdp.Start(ctx); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = cdp.Shutdown(shutdownCtx)
				}()
				acc = cdp
			}

			p, err := buildPipeline(a.cfg, acc, localProvider(a.cfg, nil, logger), logger)
			if err != nil {
				return err
			}

			out := p.gateway.Execute(ctx, utterance)
			logger.Debug("command finished", zap.String("status", out.Status), zap.Bool("ok", out.OK))

			result := runOutput{Outcome: out}
			if out.Err != nil {
				result.Error = out.Err.Error()
			}
			if memory != nil {
				state := memory.Snapshot()
				result.Browser = &state
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run against an in-memory browser seeded from the fixture")
	cmd.Flags().String("fixture", "", "JSON browser fixture for --dry-run")
	_ = a.viper.BindPFlag("browser.fixture", cmd.Flags().Lookup("fixture"))
	return cmd
}
