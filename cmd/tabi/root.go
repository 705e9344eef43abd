package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tabi/internal/config"
	"tabi/internal/logging"
)

// app carries what every subcommand needs after the persistent pre-run.
type app struct {
	cfgFile      string
	workspaceDir string
	noWorkspace  bool

	viper     *viper.Viper
	cfg       config.Config
	workspace string
}

func newRootCommand() *cobra.Command {
	a := &app{viper: config.NewViper()}

	root := &cobra.Command{
		Use:           "tabi",
		Short:         "Natural-language tab and bookmark commands for Chrome.",
		Version:       config.DefaultConfig().Server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file layered over .tabi/config.yaml")
	flags.StringVar(&a.workspaceDir, "workspace-dir", "", "use this directory as the workspace root")
	flags.BoolVar(&a.noWorkspace, "no-workspace", false, "skip .tabi workspace discovery")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "rotating JSON log file")
	_ = a.viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.viper.BindPFlag("log.file", flags.Lookup("log-file"))

	root.AddCommand(
		newHostCommand(a),
		newMCPCommand(a),
		newRunCommand(a),
		newAgentCommand(a),
		newIdentityCommand(a),
		newInitCommand(),
	)
	return root
}

// load merges defaults, the workspace config, --config and TABI_* overrides.
func (a *app) load() error {
	cfg, ws, err := config.LoadWithWorkspace(a.cfgFile, config.WorkspaceOptions{
		Disable:     a.noWorkspace,
		ExplicitDir: a.workspaceDir,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyOverrides(a.viper)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	a.workspace = ws
	return nil
}

// logger installs the process logger. console is nil when both stdout and
// stderr must stay quiet.
func (a *app) logger(console zapcore.WriteSyncer) *zap.Logger {
	logger := logging.Initialize(a.cfg.Log, "tabi", console)
	if a.workspace != "" {
		logger.Debug("workspace config loaded", zap.String("workspace", a.workspace))
	}
	return logger
}

func stderr() zapcore.WriteSyncer {
	return zapcore.Lock(os.Stderr)
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .tabi workspace with a template config",
		Args:  cobra.MaximumNArgs(1),
		// no config is needed to create one
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s/%s\n", root, config.WorkspaceDirName)
			return nil
		},
	}
}
