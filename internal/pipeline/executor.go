package pipeline

import (
	"context"
	stderrors "errors"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tundradb/tundra/pkg/arena"
	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/logger"
	"github.com/tundradb/tundra/pkg/metrics"
)

// Executor schedules a clause sequence over the input groups. Runs of
// row-slice clauses are fused, so each group pipelines through the whole
// run on one worker; ALL-structure clauses are barriers that see every
// group before processing. Worker count and in-flight units are bounded
// by the read config.
type Executor struct {
	workers   int
	highWater int
	log       *zap.Logger
}

// NewExecutor creates an executor from the read config
func NewExecutor(cfg config.ReadConfig) *Executor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	highWater := cfg.HighWaterMark
	if highWater <= 0 {
		highWater = workers
	}
	return &Executor{
		workers:   workers,
		highWater: highWater,
		log:       logger.Get().Named("executor"),
	}
}

// stage is one schedulable step: either a fused run of row-slice clauses
// or a single ALL barrier.
type stage struct {
	clauses []Clause
	barrier bool
}

// buildStages fuses consecutive row-slice clauses and isolates barriers
func buildStages(clauses []Clause) []stage {
	var stages []stage
	var run []Clause
	flush := func() {
		if len(run) > 0 {
			stages = append(stages, stage{clauses: run})
			run = nil
		}
	}
	for _, c := range clauses {
		if c.Info().Structure == StructureAll {
			flush()
			stages = append(stages, stage{clauses: []Clause{c}, barrier: true})
			continue
		}
		run = append(run, c)
	}
	flush()
	return stages
}

// Run configures the clauses, executes them over the input groups and
// drains them. On error every clause is still drained and remaining
// units are released through the arena.
func (e *Executor) Run(ctx context.Context, clauses []Clause, input []Group,
	cfg ProcessingConfig, mgr *arena.Manager) ([]Group, error) {

	if len(clauses) == 0 {
		return input, nil
	}
	for _, c := range clauses {
		if err := c.SetProcessingConfig(cfg); err != nil {
			return nil, err
		}
		if err := c.SetComponentManager(mgr); err != nil {
			return nil, err
		}
	}

	stages := buildStages(clauses)
	e.log.Debug("pipeline run",
		zap.Int("clauses", len(clauses)),
		zap.Int("stages", len(stages)),
		zap.Int("input_groups", len(input)))

	groups := input
	var runErr error
	for _, st := range stages {
		groups, runErr = e.runStage(ctx, st, groups)
		if runErr != nil {
			break
		}
	}

	for _, c := range clauses {
		if err := c.Drain(); err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		releaseGroups(mgr, groups)
		return nil, runErr
	}
	return groups, nil
}

func (e *Executor) runStage(ctx context.Context, st stage, groups []Group) ([]Group, error) {
	var err error
	for _, c := range st.clauses {
		groups, err = c.StructureForProcessing(groups)
		if err != nil {
			return nil, tagClause(err, c, -1)
		}
	}
	if len(groups) == 0 {
		return nil, nil
	}

	if st.barrier || len(groups) == 1 {
		return e.runSerial(ctx, st.clauses, groups)
	}
	return e.runParallel(ctx, st.clauses, groups)
}

// runSerial processes the groups on the calling goroutine
func (e *Executor) runSerial(ctx context.Context, clauses []Clause, groups []Group) ([]Group, error) {
	out := make([]Group, 0, len(groups))
	for i, g := range groups {
		res, err := processChain(ctx, clauses, g)
		if err != nil {
			return nil, tagGroup(err, i)
		}
		if len(res) > 0 {
			out = append(out, res)
		}
	}
	return out, nil
}

// runParallel pipelines each group through the fused clause run on its
// own task. Output group order matches input order regardless of task
// completion order.
func (e *Executor) runParallel(ctx context.Context, clauses []Clause, groups []Group) ([]Group, error) {
	limit := e.workers
	if e.highWater < limit {
		limit = e.highWater
	}

	results := make([]Group, len(groups))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i, g := range groups {
		i, g := i, g
		eg.Go(func() error {
			if err := checkCancelled(egCtx); err != nil {
				return tagGroup(err, i)
			}
			res, err := processChain(egCtx, clauses, g)
			if err != nil {
				return tagGroup(err, i)
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make([]Group, 0, len(results))
	for _, g := range results {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out, nil
}

// processChain feeds one group through every clause of a fused run
func processChain(ctx context.Context, clauses []Clause, g Group) (Group, error) {
	var err error
	for _, c := range clauses {
		start := time.Now()
		g, err = c.Process(ctx, g)
		metrics.RecordClauseDuration(c.Info().Name, time.Since(start))
		if err != nil {
			return nil, tagClause(err, c, -1)
		}
		if len(g) == 0 {
			return nil, nil
		}
	}
	return g, nil
}

// ApplySchema folds every clause's static schema effect, catching shape
// errors before any data moves.
func ApplySchema(clauses []Clause, schema *Schema) (*Schema, error) {
	var err error
	for _, c := range clauses {
		schema, err = c.ModifySchema(schema)
		if err != nil {
			return nil, tagClause(err, c, -1)
		}
	}
	return schema, nil
}

// tagClause attaches the clause identity to an error
func tagClause(err error, c Clause, group int) error {
	e := asTagged(err)
	e = e.WithDetail("clause", c.Info().Name)
	if group >= 0 {
		e = e.WithDetail("group", group)
	}
	return e
}

// tagGroup attaches the failing group's ordinal to an error
func tagGroup(err error, group int) error {
	return asTagged(err).WithDetail("group", group)
}

// asTagged returns err's typed form, wrapping foreign errors once
func asTagged(err error) *errors.Error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e
	}
	return errors.Wrap(err, errors.TypeOf(err), "pipeline stage failed")
}

func releaseGroups(mgr *arena.Manager, groups []Group) {
	for _, g := range groups {
		for _, u := range g {
			_ = mgr.Release(u.Frame)
		}
	}
}
