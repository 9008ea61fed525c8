// Package flow implements ordered, rollback-capable workflows.
//
// A Chain runs its steps strictly in registration order, one at a time, under a
// shared Data map. Each step signals its outcome through a Trigger, from any
// goroutine and at any later time. When a step fails, every step whose forward
// action completed, plus the failing step itself, is rolled back in reverse order
// before the chain's error handler fires. Steps without a rollback action are
// skipped during that walk.
//
// State machine: Idle -> Running -> {Done | RollingBack -> RolledBack}.
package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Data is the mutable context shared by every step of a chain.
type Data map[string]any

// State of a chain.
type State int

const (
	Idle State = iota
	Running
	Done
	RollingBack
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Done:
		return "Done"
	case RollingBack:
		return "RollingBack"
	case RolledBack:
		return "RolledBack"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Step is one unit of a chain. Run must end with exactly one call to t.Next or
// t.Fail. Rollback, when set, must end with one call to rt.Rollback.
type Step struct {
	Name     string
	Run      func(t *Trigger, data Data)
	Rollback func(rt *RollbackTrigger, data Data)
}

// NoRollback declares a step with no side effects to undo.
func NoRollback(name string, run func(t *Trigger, data Data)) Step {
	return Step{Name: name, Run: run}
}

// BestEffort declares a step whose failure is logged and then treated as success,
// so it never aborts the chain.
func BestEffort(name string, run func(data Data) error) Step {
	return Step{Name: name, Run: func(t *Trigger, data Data) {
		if err := run(data); err != nil {
			slog.Warn("flow_best_effort_step_failed", "step", name, "error", err)
		}
		t.Next()
	}}
}

type stepState struct {
	step       Step
	started    bool
	completed  bool
	rolledBack bool
}

// Chain is a single-use workflow instance.
type Chain struct {
	id   string
	name string

	mu    sync.Mutex
	state State
	steps []*stepState
	data  Data
	err   error

	onDone    func(Data)
	onError   func(error, Data)
	onFinally func()

	rollbackErrs *multierror.Error
	logger       *slog.Logger
}

// New creates an empty chain with its own Data.
func New(name string) *Chain {
	return &Chain{
		id:     uuid.NewString(),
		name:   name,
		data:   make(Data),
		logger: slog.Default(),
	}
}

// Name returns the chain name.
func (c *Chain) Name() string { return c.name }

// ID returns the unique id of this chain instance.
func (c *Chain) ID() string { return c.id }

// WithData makes the chain share d instead of its own context.
func (c *Chain) WithData(d Data) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d != nil {
		c.data = d
	}
	return c
}

// Then appends s.
func (c *Chain) Then(s Step) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		panic(fmt.Sprintf("flow: step %q added to chain %q after start", s.Name, c.name))
	}
	c.steps = append(c.steps, &stepState{step: s})
	return c
}

// Done sets the handler invoked once every step succeeded.
func (c *Chain) Done(h func(Data)) *Chain {
	c.onDone = h
	return c
}

// Error sets the handler invoked with the triggering error after rollback completed.
func (c *Chain) Error(h func(error, Data)) *Chain {
	c.onError = h
	return c
}

// Finally sets a handler invoked after the done or error handler.
func (c *Chain) Finally(h func()) *Chain {
	c.onFinally = h
	return c
}

// State returns the current state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Data returns the shared context.
func (c *Chain) Data() Data {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// Start runs the first step. Chains are never reused: starting twice is a no-op.
func (c *Chain) Start() {
	c.mu.Lock()
	if c.state != Idle {
		state := c.state
		c.mu.Unlock()
		c.logger.Error("flow_chain_restarted", "chain", c.name, "chain_id", c.id, "state", state.String())
		return
	}
	c.state = Running
	n := len(c.steps)
	c.mu.Unlock()

	c.logger.Debug("flow_chain_started", "chain", c.name, "chain_id", c.id, "steps", n)
	c.runStep(0)
}

// Await starts the chain and blocks until it reaches Done or RolledBack.
func (c *Chain) Await() error {
	result := make(chan error, 1)
	var outcome error
	fail, finally := c.onError, c.onFinally
	c.onError = func(err error, d Data) {
		outcome = err
		if fail != nil {
			fail(err, d)
		}
	}
	// Finally runs last on both paths, even after a handler panicked.
	c.onFinally = func() {
		defer func() { result <- outcome }()
		if finally != nil {
			finally()
		}
	}
	c.Start()
	return <-result
}

func (c *Chain) runStep(i int) {
	c.mu.Lock()
	if i >= len(c.steps) {
		c.state = Done
		c.mu.Unlock()
		c.finishDone()
		return
	}
	st := c.steps[i]
	st.started = true
	data := c.data
	c.mu.Unlock()

	c.logger.Debug("flow_step_started", "chain", c.name, "chain_id", c.id, "step", st.step.Name, "index", i)

	t := &Trigger{chain: c, index: i, step: st.step.Name}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("flow_step_panicked", "chain", c.name, "step", st.step.Name, "panic", r)
			t.Fail(&errors.Error{
				Kind:    errors.KindInternal,
				Code:    errors.CodeStepPanicked,
				Message: fmt.Sprintf("step %s of %s panicked: %v", st.step.Name, c.name, r),
			})
		}
	}()
	st.step.Run(t, data)
}

func (c *Chain) advance(i int) {
	c.mu.Lock()
	c.steps[i].completed = true
	c.mu.Unlock()
	c.logger.Debug("flow_step_completed", "chain", c.name, "chain_id", c.id, "index", i)
	c.runStep(i + 1)
}

func (c *Chain) fail(i int, err error) {
	c.mu.Lock()
	c.state = RollingBack
	c.err = err
	pending := c.rollbackCandidates(i)
	c.mu.Unlock()

	c.logger.Info("flow_chain_rolling_back",
		"chain", c.name,
		"chain_id", c.id,
		"failed_step", c.steps[i].step.Name,
		"rollbacks", len(pending),
		"error", err)
	c.rollback(pending, 0, c.finishRolledBack)
}

// rollbackCandidates lists, in reverse order from index from, the started steps that
// have a rollback action and have not been rolled back yet. Callers hold c.mu.
func (c *Chain) rollbackCandidates(from int) []int {
	var out []int
	for i := from; i >= 0; i-- {
		st := c.steps[i]
		if st.step.Rollback == nil || st.rolledBack {
			continue
		}
		if st.completed || (st.started && i == from) {
			out = append(out, i)
		}
	}
	return out
}

// rollback walks pending in order, then sets RolledBack and calls done.
// A panicking rollback is recorded and the walk continues.
func (c *Chain) rollback(pending []int, pos int, done func()) {
	if pos >= len(pending) {
		c.mu.Lock()
		c.state = RolledBack
		c.mu.Unlock()
		done()
		return
	}

	i := pending[pos]
	c.mu.Lock()
	st := c.steps[i]
	st.rolledBack = true
	data := c.data
	c.mu.Unlock()

	c.logger.Debug("flow_step_rollback", "chain", c.name, "chain_id", c.id, "step", st.step.Name, "index", i)

	rt := &RollbackTrigger{step: st.step.Name, chain: c, next: func() { c.rollback(pending, pos+1, done) }}
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("rollback of %s panicked: %v", st.step.Name, r)
			c.mu.Lock()
			c.rollbackErrs = multierror.Append(c.rollbackErrs, perr)
			c.mu.Unlock()
			c.logger.Error("flow_rollback_panicked", "chain", c.name, "step", st.step.Name, "panic", r)
			rt.Rollback()
		}
	}()
	st.step.Rollback(rt, data)
}

func (c *Chain) finishDone() {
	c.logger.Debug("flow_chain_done", "chain", c.name, "chain_id", c.id)
	if c.onDone != nil {
		data := c.Data()
		c.callHandler("done", func() { c.onDone(data) })
	}
	if c.onFinally != nil {
		c.callHandler("finally", c.onFinally)
	}
}

// callHandler runs a chain-level handler. A panic is logged and swallowed: the
// chain has already settled and no step owns the failure.
func (c *Chain) callHandler(handler string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("flow_handler_panicked", "chain", c.name, "chain_id", c.id, "handler", handler, "panic", r)
		}
	}()
	fn()
}

func (c *Chain) finishRolledBack() {
	c.mu.Lock()
	err, rerrs := c.err, c.rollbackErrs
	c.mu.Unlock()

	if rerrs != nil {
		c.logger.Warn("flow_rollback_incomplete", "chain", c.name, "chain_id", c.id, "error", rerrs.ErrorOrNil())
	}

	c.logger.Info("flow_chain_rolled_back", "chain", c.name, "chain_id", c.id, "error", err)
	if c.onError != nil {
		data := c.Data()
		c.callHandler("error", func() { c.onError(err, data) })
	}
	if c.onFinally != nil {
		c.callHandler("finally", c.onFinally)
	}
}

// Unwind rolls back, in reverse order, every completed step of a chain that reached
// Done, then calls done. It is how an enclosing chain compensates a nested chain
// that had succeeded; for a chain that already rolled back it only calls done.
// The chain's own handlers are not invoked again.
func (c *Chain) Unwind(done func()) {
	c.mu.Lock()
	if c.state != Done {
		state := c.state
		c.mu.Unlock()
		if state != RolledBack {
			c.logger.Warn("flow_unwind_unexpected_state", "chain", c.name, "state", state.String())
		}
		done()
		return
	}
	c.state = RollingBack
	pending := c.rollbackCandidates(len(c.steps) - 1)
	c.mu.Unlock()

	c.rollback(pending, 0, done)
}

// RollbackErrors returns the panics recovered from rollback actions, if any.
func (c *Chain) RollbackErrors() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackErrs.ErrorOrNil()
}

// Trigger reports the outcome of a step's forward action. Only the first call counts.
type Trigger struct {
	chain *Chain
	index int
	step  string
	fired atomic.Bool
}

// Next marks the step successful and runs the following step.
func (t *Trigger) Next() {
	if !t.fired.CompareAndSwap(false, true) {
		t.chain.logger.Error("flow_trigger_fired_twice", "chain", t.chain.name, "step", t.step, "signal", "next")
		return
	}
	t.chain.advance(t.index)
}

// Fail aborts forward progress and starts the rollback walk.
func (t *Trigger) Fail(err error) {
	if !t.fired.CompareAndSwap(false, true) {
		t.chain.logger.Error("flow_trigger_fired_twice", "chain", t.chain.name, "step", t.step, "signal", "fail", "error", err)
		return
	}
	if err == nil {
		err = errors.New(errors.KindInternal, "step %s of %s failed without an error", t.step, t.chain.name)
	}
	t.chain.fail(t.index, err)
}

// RollbackTrigger reports that a step's rollback finished.
type RollbackTrigger struct {
	chain *Chain
	step  string
	next  func()
	fired atomic.Bool
}

// Rollback continues the reverse walk with the previous step.
func (rt *RollbackTrigger) Rollback() {
	if !rt.fired.CompareAndSwap(false, true) {
		rt.chain.logger.Error("flow_rollback_trigger_fired_twice", "chain", rt.chain.name, "step", rt.step)
		return
	}
	rt.next()
}
