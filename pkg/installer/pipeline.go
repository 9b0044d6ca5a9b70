// pkg/installer/pipeline.go - ordered, idempotent install steps with progress reporting.

package installer

import (
	"context"
	"fmt"

	"github.com/windowsadmins/winebridge/pkg/frontend"
	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/progress"
)

// Step is one idempotent action guarded by a check of whether its effect is already present.
type Step struct {
	Label     string
	Satisfied func(ctx context.Context) bool
	Run       func(ctx context.Context) error
}

// Pipeline runs steps strictly in table order.
type Pipeline struct {
	steps   []Step
	adapter frontend.Adapter
	onStep  func(index, count int)
}

// NewPipeline builds a pipeline over steps reporting to adapter.
func NewPipeline(steps []Step, adapter frontend.Adapter) *Pipeline {
	return &Pipeline{steps: steps, adapter: adapter}
}

// Count is the number of steps a run will report against.
func (p *Pipeline) Count() int {
	return len(p.steps)
}

// Labels lists the step labels in order.
func (p *Pipeline) Labels() []string {
	labels := make([]string, len(p.steps))
	for i, s := range p.steps {
		labels[i] = s.Label
	}
	return labels
}

// Run walks the table. Each step reports its index before acting and is skipped when
// already satisfied. The first failing step ends the run and is passed to the adapter's Exit.
func (p *Pipeline) Run(ctx context.Context) error {
	count := p.Count()
	for i, step := range p.steps {
		index := i + 1
		if err := ctx.Err(); err != nil {
			p.adapter.Exit(err)
			return err
		}
		if p.onStep != nil {
			p.onStep(index, count)
		}
		p.adapter.Status(fmt.Sprintf("Step %d/%d: %s", index, count, step.Label), progress.StepPercent(index, count))

		if step.Satisfied != nil && step.Satisfied(ctx) {
			logging.LogStep(step.Label, index, count, "skipped", nil)
			continue
		}

		logging.LogStep(step.Label, index, count, "started", nil)
		if err := step.Run(ctx); err != nil {
			logging.LogStep(step.Label, index, count, "failed", err)
			err = fmt.Errorf("step %d/%d (%s): %w", index, count, step.Label, err)
			p.adapter.Exit(err)
			return err
		}
		logging.LogStep(step.Label, index, count, "completed", nil)
	}

	p.adapter.Status("Installed", 100)
	logging.Info("Installation complete", "steps", count)
	return nil
}
