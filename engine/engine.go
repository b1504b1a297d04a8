// Package engine schedules a materialized graph onto an execution backend.
// One coordinating goroutine owns all scheduling state; per-attempt
// goroutines only talk to the backend and funnel completions back through a
// single event channel.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/flowrun/backend"
	"github.com/kbukum/flowrun/channel"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/graph"
	"github.com/kbukum/flowrun/logger"
	"github.com/kbukum/flowrun/observability"
	"github.com/kbukum/flowrun/task"
)

// Cache looks up and stores completed attempt outputs by resolved
// fingerprint. Nil disables resume.
type Cache interface {
	Lookup(r *task.Resolved) (map[string]string, bool)
	Store(r *task.Resolved, outputs map[string]string) error
}

// Engine runs graphs.
type Engine struct {
	cfg     Config
	backend backend.Backend
	cache   Cache
	log     *logger.Logger

	progressEvery time.Duration
	progressFn    func(*graph.Graph)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCache enables resume against a fingerprint-keyed output cache.
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithProgress invokes fn with the graph at most once per interval, always
// from the coordinating goroutine, so fn may read instance state freely.
func WithProgress(every time.Duration, fn func(*graph.Graph)) Option {
	return func(e *Engine) {
		e.progressEvery = every
		e.progressFn = fn
	}
}

// New creates an Engine.
func New(cfg Config, be backend.Backend, log *logger.Logger, opts ...Option) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		backend: be,
		log:     log.WithComponent("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// completion is the single event type dispatch goroutines send back.
type completion struct {
	inst     *graph.Instance
	resolved *task.Resolved
	res      task.Resources

	outcome      string // outcomeSucceeded, outcomeFailed, outcomeCancelled
	failureCause string
	attempts     int
	err          error
	outputs      map[string]string
}

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// run is the per-run scheduling state, confined to the coordinating loop.
type run struct {
	e      *Engine
	g      *graph.Graph
	log    *logger.Logger
	events chan completion

	// producers maps channel name to its producing instances, for closing
	// channels once every producer is terminal.
	producers map[string][]*graph.Instance

	availCPU  int64
	availMem  int64
	running   int
	cancelled bool

	lastProgress time.Time
}

// Run executes the graph to completion. It returns nil only if every
// instance ended Succeeded or Skipped by a build-time condition.
func (e *Engine) Run(ctx context.Context, g *graph.Graph) error {
	runID := uuid.NewString()
	log := e.log.WithFields(map[string]interface{}{logger.FieldRunID: runID})

	ctx, span := observability.StartSpan(ctx, "flowrun.run")
	defer span.End()
	observability.SetSpanAttribute(ctx, observability.AttrRunID, runID)

	r := &run{
		e:         e,
		g:         g,
		log:       log,
		events:    make(chan completion, g.Len()),
		producers: producerIndex(g),
		availCPU:  e.cfg.Budget.CPU,
		availMem:  e.cfg.Budget.Memory,
	}

	log.Info("run started", map[string]interface{}{
		"instances": g.Len(),
		"budget":    e.cfg.Budget.String(),
	})
	start := time.Now()

	r.rejectImpossibleRequests()

	err := r.loop(ctx)

	log.Info("run finished", map[string]interface{}{
		logger.FieldDuration: time.Since(start).Milliseconds(),
		logger.FieldStatus:   runStatus(g, err),
	})
	if err != nil {
		observability.SetSpanError(ctx, err)
	}
	return err
}

func (r *run) loop(ctx context.Context) error {
	for {
		for r.step(ctx) {
		}

		if r.done() && r.running == 0 {
			break
		}

		if r.running == 0 {
			if r.cancelled {
				break
			}
			return errors.Internal(fmt.Errorf("engine: scheduler stalled with %d instances unfinished", r.unfinished()))
		}

		select {
		case <-ctx.Done():
			r.cancel(ctx.Err())
			r.drain()
			return errors.Cancelled("").WithCause(ctx.Err())
		case ev := <-r.events:
			r.apply(ev)
			r.reportProgress()
		}
	}

	if r.cancelled {
		return errors.Cancelled("")
	}
	return r.finalErr()
}

// step makes one pass of local progress: promote ready instances, satisfy
// them from cache, dispatch what fits the budget. Returns true if anything
// changed so the caller re-runs it to a fixed point.
func (r *run) step(ctx context.Context) bool {
	if r.cancelled {
		return false
	}

	changed := false
	for _, inst := range r.g.Instances() {
		if inst.Status == graph.StatusPending && r.depsSatisfied(inst) {
			inst.Status = graph.StatusReady
			changed = true
		}
	}

	for _, inst := range r.g.Instances() {
		if inst.Status != graph.StatusReady {
			continue
		}
		if r.e.cfg.MaxParallel > 0 && r.running >= r.e.cfg.MaxParallel {
			break
		}

		resolved, err := r.g.Resolve(inst)
		if err != nil {
			r.fail(inst, graph.CauseSubmit, 0, err)
			changed = true
			continue
		}

		if r.e.cache != nil {
			if outputs, ok := r.e.cache.Lookup(resolved); ok {
				r.completeFromCache(inst, outputs)
				changed = true
				continue
			}
		}

		res := inst.Task.Resources
		// An instance that doesn't fit right now is left Ready; later
		// instances still get their chance (no head-of-line blocking).
		if !r.e.cfg.Budget.Fits(res, r.availCPU, r.availMem) {
			continue
		}

		r.availCPU -= res.CPU
		r.availMem -= res.Memory
		r.running++
		inst.Status = graph.StatusRunning
		inst.StartedAt = time.Now()
		changed = true

		go r.e.dispatch(ctx, inst, resolved, res, r.events, r.log)
	}

	return changed
}

// apply folds one completion event back into scheduling state.
func (r *run) apply(ev completion) {
	r.running--
	r.availCPU += ev.res.CPU
	r.availMem += ev.res.Memory

	inst := ev.inst
	inst.Attempts = ev.attempts
	inst.FinishedAt = time.Now()

	switch ev.outcome {
	case outcomeSucceeded:
		inst.Status = graph.StatusSucceeded
		inst.Outputs = ev.outputs
		r.publishOutputs(inst, ev.outputs)
		if r.e.cache != nil {
			if err := r.e.cache.Store(ev.resolved, ev.outputs); err != nil {
				r.log.Warn("failed to store outputs in resume cache", map[string]interface{}{
					logger.FieldInstance: inst.Name,
					logger.FieldError:    err.Error(),
				})
			}
		}
		r.log.Info("instance succeeded", map[string]interface{}{
			logger.FieldInstance: inst.Name,
			logger.FieldAttempt:  ev.attempts,
			logger.FieldDuration: inst.Duration().Milliseconds(),
		})

	case outcomeCancelled:
		inst.Status = graph.StatusSkipped
		inst.SkipCause = graph.SkipCancelled
		inst.Err = ev.err

	default:
		r.fail(inst, ev.failureCause, ev.attempts, ev.err)
	}
}

// fail marks an instance Failed and skips everything downstream of it.
// Independent branches are untouched.
func (r *run) fail(inst *graph.Instance, cause string, attempts int, err error) {
	inst.Status = graph.StatusFailed
	inst.FailureCause = cause
	inst.Attempts = attempts
	inst.Err = err
	if inst.FinishedAt.IsZero() {
		inst.FinishedAt = time.Now()
	}

	r.log.Error("instance failed", map[string]interface{}{
		logger.FieldInstance: inst.Name,
		logger.FieldAttempt:  attempts,
		"cause":              cause,
		logger.FieldError:    errString(err),
	})

	r.closeCompletedChannels(inst)
	r.skipDependents(inst)
}

func (r *run) skipDependents(inst *graph.Instance) {
	for _, dep := range inst.Dependents() {
		if dep.Terminal() {
			continue
		}
		dep.Status = graph.StatusSkipped
		dep.SkipCause = graph.SkipUpstreamFailure
		r.log.Warn("instance skipped", map[string]interface{}{
			logger.FieldInstance: dep.Name,
			"upstream":           inst.Name,
		})
		r.closeCompletedChannels(dep)
		r.skipDependents(dep)
	}
}

func (r *run) completeFromCache(inst *graph.Instance, outputs map[string]string) {
	inst.Status = graph.StatusSucceeded
	inst.FromCache = true
	inst.Outputs = outputs
	inst.Attempts = 0
	r.publishOutputs(inst, outputs)
	r.log.Info("instance satisfied from cache", map[string]interface{}{
		logger.FieldInstance: inst.Name,
	})
}

// publishOutputs delivers a succeeded instance's artifact locations to its
// output channels, closing each channel once all of its producers are
// terminal.
func (r *run) publishOutputs(inst *graph.Instance, outputs map[string]string) {
	key := inst.Key
	if key == "" {
		key = inst.Task.ID
	}
	for _, out := range inst.Task.Outputs {
		ch, ok := r.g.Wiring.Get(out.Channel)
		if !ok {
			continue
		}
		loc := outputs[out.Channel]
		if loc == "" {
			loc = inst.OutputDir
		}
		if err := ch.Publish(channel.Item{Key: key, Values: []string{loc}}); err != nil {
			r.log.Warn("failed to publish output", map[string]interface{}{
				logger.FieldInstance: inst.Name,
				"channel":            out.Channel,
				logger.FieldError:    err.Error(),
			})
		}
	}
	r.closeCompletedChannels(inst)
}

func (r *run) closeCompletedChannels(inst *graph.Instance) {
	for _, out := range inst.Task.Outputs {
		ch, ok := r.g.Wiring.Get(out.Channel)
		if !ok || ch.Closed() {
			continue
		}
		complete := true
		for _, p := range r.producers[out.Channel] {
			if !p.Terminal() {
				complete = false
				break
			}
		}
		if complete {
			ch.Close()
		}
	}
}

// cancel stops dispatching and marks everything not yet running as skipped.
// Running attempts are stopped by their dispatch goroutines observing the
// context.
func (r *run) cancel(cause error) {
	r.cancelled = true
	for _, inst := range r.g.Instances() {
		switch inst.Status {
		case graph.StatusPending, graph.StatusReady:
			inst.Status = graph.StatusSkipped
			inst.SkipCause = graph.SkipCancelled
		}
	}
	r.log.Warn("run cancelled", map[string]interface{}{
		"running": r.running,
		"cause":   errString(cause),
	})
}

// drain waits for in-flight attempts to report back, bounded by the grace
// period. Anything still unreported after that is marked skipped.
func (r *run) drain() {
	deadline := time.NewTimer(r.e.cfg.GracePeriod + 2*time.Second)
	defer deadline.Stop()

	for r.running > 0 {
		select {
		case ev := <-r.events:
			r.apply(ev)
		case <-deadline.C:
			for _, inst := range r.g.Instances() {
				if inst.Status == graph.StatusRunning {
					inst.Status = graph.StatusSkipped
					inst.SkipCause = graph.SkipCancelled
				}
			}
			return
		}
	}
}

func (r *run) reportProgress() {
	if r.e.progressFn == nil || time.Since(r.lastProgress) < r.e.progressEvery {
		return
	}
	r.lastProgress = time.Now()
	r.e.progressFn(r.g)
}

func (r *run) depsSatisfied(inst *graph.Instance) bool {
	for _, dep := range inst.Deps() {
		if !dep.Terminal() || !dep.Satisfies() {
			return false
		}
	}
	return true
}

func (r *run) rejectImpossibleRequests() {
	for _, inst := range r.g.Instances() {
		if inst.Terminal() {
			continue
		}
		res := inst.Task.Resources
		if r.e.cfg.Budget.NeverFits(res) {
			err := errors.ResourceExhausted(
				inst.Name,
				fmt.Sprintf("cpu=%s memory=%s", task.FormatCPU(res.CPU), task.FormatMemory(res.Memory)),
				r.e.cfg.Budget.String(),
			)
			r.fail(inst, graph.CauseSubmit, 0, err)
		}
	}
}

func (r *run) done() bool {
	for _, inst := range r.g.Instances() {
		if !inst.Terminal() {
			return false
		}
	}
	return true
}

func (r *run) unfinished() int {
	n := 0
	for _, inst := range r.g.Instances() {
		if !inst.Terminal() {
			n++
		}
	}
	return n
}

func (r *run) finalErr() error {
	var failed []string
	for _, inst := range r.g.Instances() {
		if inst.Status == graph.StatusFailed {
			failed = append(failed, inst.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return errors.New(errors.ErrCodeTaskFailed,
		fmt.Sprintf("%d of %d task instances failed", len(failed), r.g.Len())).
		WithDetail("instances", failed)
}

func producerIndex(g *graph.Graph) map[string][]*graph.Instance {
	producers := make(map[string][]*graph.Instance)
	for _, inst := range g.Instances() {
		for _, out := range inst.Task.Outputs {
			producers[out.Channel] = append(producers[out.Channel], inst)
		}
	}
	return producers
}

func runStatus(g *graph.Graph, err error) string {
	if err != nil {
		return "failed"
	}
	return "succeeded"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
