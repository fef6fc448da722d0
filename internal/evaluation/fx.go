package evaluation

import (
	"context"

	"github.com/smallbiznis/lingora/internal/evaluation/evaluator"
	"github.com/smallbiznis/lingora/internal/evaluation/queue"
	"github.com/smallbiznis/lingora/internal/evaluation/worker"
	"go.uber.org/fx"
)

var Module = fx.Module("evaluation",
	fx.Provide(queue.New),
	fx.Provide(queue.NewSubmitter),
	fx.Provide(evaluator.NewClient),
	fx.Provide(worker.New),
	fx.Invoke(StartWorker),
)

func StartWorker(lc fx.Lifecycle, runner *worker.Runner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go runner.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
