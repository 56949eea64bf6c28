// Package providers supplies the fx constructors wiring together
// jobcore's core packages for the cmd/ binary, mirroring the teacher's
// cmd/providers/providers.go Providers slice + NewApp/NewCmd shape.
package providers

import (
	"context"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger, set by cmd/main.go's PersistentPreRun before
// any fx.App is built (same pattern as the teacher's cmd/main.go).
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// kvstore.go
	NewKVStoreOptions,
	NewKVStore,
	NewReadCache,
	NewCodec,
	// scheduler.go
	NewSchedulerOptions,
	NewCancelPool,
	NewPromiseStore,
	NewJobsManager,
	NewPriorityQueueSystem,
	// dispatch.go
	NewDispatchOptions,
	NewWork,
	NewDispatcher,
	// metrics.go
	NewReporterMetrics,
	NewReporterInterval,
	// providers.go
	NewContext,
}

// NewApp builds the fx.App the way the teacher's NewApp does: base
// providers plus whatever invoke/supply options the caller adds.
func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewContext provides a context cancelled on fx.App shutdown.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

// RunWithContext starts fn in a background goroutine when the fx.App
// starts, and cancels its context when the app stops, matching the
// teacher's providers.RunWithContext helper used by every long-running
// subcommand (assigner, reporter, discovery) to bridge fx's short-lived
// OnStart/OnStop hooks into a single long-running ctx.
func RunWithContext(lc fx.Lifecycle, fn func(ctx context.Context)) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go fn(runCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
