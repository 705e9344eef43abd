package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tabi/internal/action"
	"tabi/internal/bridge"
	"tabi/internal/browser"
	"tabi/internal/config"
	"tabi/internal/executor"
	"tabi/internal/gateway"
	"tabi/internal/identity"
	"tabi/internal/inference"
	"tabi/internal/intent"
	"tabi/internal/mangle"
	"tabi/internal/resolver"
)

// pipeline is one gateway plus the parts the MCP surface reads directly.
type pipeline struct {
	gateway    *gateway.Gateway
	classifier *intent.Classifier
	history    *mangle.Engine
}

func buildPipeline(cfg config.Config, acc browser.Accessor, local inference.LocalProvider, logger *zap.Logger) (*pipeline, error) {
	history, err := mangle.NewEngine(cfg.History, logger)
	if err != nil {
		return nil, fmt.Errorf("history engine: %w", err)
	}

	remoteOnly := make([]action.Kind, 0, len(cfg.Resolver.RemoteOnly))
	for _, label := range cfg.Resolver.RemoteOnly {
		kind, ok := action.ParseKind(label)
		if !ok {
			return nil, fmt.Errorf("resolver.remote_only: unknown action %q", label)
		}
		remoteOnly = append(remoteOnly, kind)
	}

	classifier := intent.NewClassifier(local,
		intent.WithKeywordFallback(cfg.Intent.KeywordFallback),
		intent.WithLogger(logger))
	res := resolver.New(local, inference.NewRemoteClient(cfg.Inference.Remote, logger),
		resolver.WithThreshold(cfg.Resolver.Threshold()),
		resolver.WithRemoteOnly(remoteOnly...),
		resolver.WithLogger(logger))

	gw := gateway.New(gateway.Deps{
		Accessor:   acc,
		Classifier: classifier,
		Resolver:   res,
		Executor:   executor.New(acc, cfg.Executor.DefaultBookmarkParent, logger),
		Identity:   identity.NewStore(cfg.Identity.Path),
		History:    history,
		Logger:     logger,
	})
	return &pipeline{gateway: gw, classifier: classifier, history: history}, nil
}

// localProvider picks the on-device model. The bridge provider needs the
// extension, so caller is nil outside the native host.
func localProvider(cfg config.Config, caller bridge.Caller, logger *zap.Logger) inference.LocalProvider {
	switch cfg.Inference.Local.Provider {
	case config.ProviderBridge:
		if caller == nil {
			logger.Warn("bridge model needs the native host; local inference disabled")
			return inference.Unavailable{}
		}
		return bridge.NewLanguageModel(caller, cfg.Bridge.GetPromptTimeout(), logger)
	case config.ProviderOpenAI:
		return inference.NewOpenAICompatible(cfg.Inference.Local, logger)
	default:
		return inference.Unavailable{}
	}
}

// watchFailures logs whenever the derived failed_command set grows.
func watchFailures(ctx context.Context, history *mangle.Engine, logger *zap.Logger) {
	ch := make(chan mangle.WatchEvent, 8)
	history.Subscribe(mangle.PredFailedCommand, ch)
	go func() {
		defer history.Unsubscribe(mangle.PredFailedCommand, ch)
		seen := 0
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				if len(ev.Facts) > seen {
					seen = len(ev.Facts)
					logger.Warn("failed command recorded", zap.Int("failed_total", seen))
				}
			}
		}
	}()
}
