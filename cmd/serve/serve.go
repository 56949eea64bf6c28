// Package serve implements the jobcore server's main run loop: the
// root dispatcher and the scheduler-observables reporter, wired by fx
// the way the teacher's cmd/assigner/assigner.go wires njobs.Assigner.
package serve

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.od2.network/jobcore/cmd/providers"
	"go.od2.network/jobcore/pkg/dispatch"
	"go.od2.network/jobcore/pkg/jobsmanager"
	"go.od2.network/jobcore/pkg/macrojob"
	"go.od2.network/jobcore/pkg/priorityqueue"
	"go.od2.network/jobcore/pkg/reporter"
)

// Cmd is the serve sub-command.
var Cmd = cobra.Command{
	Use:   "serve",
	Short: "Run the jobcore dispatcher, reporter, and metrics endpoint.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		// SetupPrometheus must run before providers.NewApp, since NewApp
		// captures global.GetMeterProvider() eagerly via fx.Supply at
		// construction time, not when the reporter's meter-backed
		// instruments are later resolved.
		handler, err := providers.SetupPrometheus()
		if err != nil {
			providers.Log.Fatal("Failed to set up Prometheus exporter", zap.Error(err))
		}
		app := providers.NewApp(cmd, fx.Supply(handler), fx.Invoke(Run))
		app.Run()
	},
}

type runIn struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Dispatcher *dispatch.Dispatcher
	Root       *priorityqueue.System[*macrojob.Entry]
	Manager    *jobsmanager.Manager
	Metrics    *reporter.Metrics
	Handler    http.Handler
}

// Run starts the metrics HTTP server, the dispatcher, and the reporter,
// following the teacher's cmd/assigner/assigner.go pattern of wrapping
// each long-running loop in providers.RunWithContext.
func Run(log *zap.Logger, in runIn) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", in.Handler)
	srv := &http.Server{Addr: providers.MetricsListenAddr(), Handler: mux}
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})

	providers.RunWithContext(in.Lifecycle, func(ctx context.Context) {
		in.Dispatcher.Run(ctx)
	})

	rep := &reporter.Reporter{
		Log:     log,
		Metrics: in.Metrics,
		Queues: func() []reporter.NamedQueue[*macrojob.Entry] {
			return snapshotQueues(in.Root)
		},
		MacroJobs: in.Manager.MacroJobs,
		Interval:  providers.NewReporterInterval(),
	}
	providers.RunWithContext(in.Lifecycle, func(ctx context.Context) {
		if err := rep.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("reporter stopped", zap.Error(err))
		}
	})
}

// snapshotQueues walks every priority tier's owner/name hierarchy
// (priority -> owner -> name, per spec.md section 4.C/4.D) and flattens
// it into the named-queue list pkg/reporter expects.
func snapshotQueues(root *priorityqueue.System[*macrojob.Entry]) []reporter.NamedQueue[*macrojob.Entry] {
	var out []reporter.NamedQueue[*macrojob.Entry]
	for p := 0; p < root.CountPriorities(); p++ {
		owners := root.Get(p)
		for _, owner := range owners.ListMembers() {
			innerVal, ok := owners.TryGetValue(owner)
			if !ok {
				continue
			}
			inner, ok := innerVal.(interface{ ListMembers() []string })
			if !ok {
				continue
			}
			for _, name := range inner.ListMembers() {
				out = append(out, reporter.NamedQueue[*macrojob.Entry]{
					Owner:    owner,
					Priority: p,
					Name:     name,
					Leaf:     root.NamedQueue(p, owner, name),
				})
			}
		}
	}
	return out
}
