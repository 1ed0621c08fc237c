// Package dispatcher pumps queues and runs tasks on agents with
// timeout, retry and cancellation.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/actions"
	"github.com/nugget/voicetask/internal/agents"
	"github.com/nugget/voicetask/internal/events"
	"github.com/nugget/voicetask/internal/hooks"
	"github.com/nugget/voicetask/internal/logging"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/queue"
	"github.com/nugget/voicetask/internal/tasks"
	"github.com/nugget/voicetask/internal/undo"
)

// DefaultPollInterval is how often queues are pumped without a kick.
const DefaultPollInterval = 100 * time.Millisecond

// TimeoutMessage is recorded as the last error of a timed-out task.
const TimeoutMessage = "Task timeout"

var (
	// ErrTaskTimeout is the cancellation cause seen by an agent whose
	// action timeout expired.
	ErrTaskTimeout = errors.New("task timeout")
	// ErrTaskCancelled is the cause seen by an agent whose task was
	// cancelled or whose dispatcher stopped.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrNoAgent is reported to the error hook when no agent accepts a
	// task.
	ErrNoAgent = errors.New("no agent available")
)

// NoAgentAction is the outcome for a task that no agent accepts.
type NoAgentAction int

const (
	// NoAgentDeadletter keeps the task as dead-lettered.
	NoAgentDeadletter NoAgentAction = iota
	// NoAgentDrop deletes the task record.
	NoAgentDrop
	// NoAgentError dead-letters the task and reports ErrNoAgent to the
	// error hook.
	NoAgentError
)

// Config tunes a Dispatcher.
type Config struct {
	PollInterval time.Duration
	// OnNoAgent picks the outcome for unassignable tasks. Nil
	// dead-letters.
	OnNoAgent func(ctx context.Context, t *model.Task) NoAgentAction
	// OnMaxRetries runs after a task is dead-lettered because its
	// retries ran out or were declined.
	OnMaxRetries func(ctx context.Context, t *model.Task, err error)
}

// Deps are the components a Dispatcher reads and mutates.
type Deps struct {
	Queues  *queue.Store
	Tasks   *tasks.Store
	Agents  *agents.Registry
	Actions *actions.Store
	Hooks   *hooks.Manager
	Undo    *undo.Manager
	Bus     *events.Bus
	Log     *logging.Logger
	// AppContext returns the context handed to agents and hooks.
	AppContext func() model.AppContext
	Host       model.Host
}

type retryTimer struct {
	timer *time.Timer
	queue string
}

// Dispatcher owns the scheduling loop.
type Dispatcher struct {
	Deps
	cfg Config

	kick chan struct{}

	mu         sync.Mutex
	running    bool
	baseCtx    context.Context
	cancelBase context.CancelFunc
	stopCh     chan struct{}
	loopDone   chan struct{}
	executions map[string]context.CancelCauseFunc
	retries    map[string]retryTimer
	wg         sync.WaitGroup
}

// New creates a stopped dispatcher.
func New(deps Deps, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if deps.Hooks == nil {
		deps.Hooks = hooks.NewManager(nil, hooks.Hooks{})
	}
	if deps.AppContext == nil {
		deps.AppContext = func() model.AppContext { return model.AppContext{} }
	}
	return &Dispatcher{
		Deps:       deps,
		cfg:        cfg,
		kick:       make(chan struct{}, 1),
		executions: make(map[string]context.CancelCauseFunc),
		retries:    make(map[string]retryTimer),
	}
}

// Start launches the pump loop. Calling Start on a running dispatcher
// is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.baseCtx, d.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	d.stopCh = make(chan struct{})
	d.loopDone = make(chan struct{})

	go d.loop(ctx, d.stopCh, d.loopDone)
	d.Log.Debug(logging.CategoryDispatcher, "dispatcher started", "poll_interval", d.cfg.PollInterval.String())
}

func (d *Dispatcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.Pump()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Pump()
		case <-d.kick:
			d.Pump()
		}
	}
}

// Kick asks the loop to pump soon.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// IsRunning reports whether the loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Pump claims every dispatchable entry across all unpaused queues and
// spawns one execution unit per entry.
func (d *Dispatcher) Pump() {
	for _, name := range d.Queues.Names() {
		for {
			d.mu.Lock()
			if !d.running {
				d.mu.Unlock()
				return
			}
			e, ok := d.Queues.Claim(name)
			if ok {
				d.wg.Add(1)
			}
			d.mu.Unlock()
			if !ok {
				break
			}
			go d.runUnit(name, e)
		}
	}
}

// Stop halts the loop, cancels running tasks, parks tasks waiting for
// a retry back in their queues and waits for every unit to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	loopDone := d.loopDone
	d.mu.Unlock()

	<-loopDone

	d.mu.Lock()
	running := make([]string, 0, len(d.executions))
	for id := range d.executions {
		running = append(running, id)
	}
	parked := make(map[string]retryTimer, len(d.retries))
	for id, rt := range d.retries {
		if rt.timer.Stop() {
			parked[id] = rt
			delete(d.retries, id)
		}
	}
	d.mu.Unlock()

	for _, id := range running {
		d.CancelTask(id)
	}
	for id, rt := range parked {
		d.requeueRetry(id, rt.queue)
		d.wg.Done()
	}

	d.wg.Wait()
	d.cancelBase()
	d.Log.Info(logging.CategoryDispatcher, "dispatcher stopped", "cancelled", len(running), "parked_retries", len(parked))
}

// CancelTask cancels a pending or running task. It returns false for
// unknown or already terminal tasks.
func (d *Dispatcher) CancelTask(id string) bool {
	t, changed, err := d.Tasks.Cancel(id)
	if err != nil || !changed {
		return false
	}

	d.mu.Lock()
	cancel := d.executions[id]
	d.mu.Unlock()
	if cancel != nil {
		cancel(ErrTaskCancelled)
	} else {
		d.Queues.Remove(t.Queue, id)
	}

	d.Log.Info(logging.CategoryDispatcher, "task cancelled", "task_id", id, "was_running", cancel != nil)
	d.Bus.EmitTask(events.KindCancelled, t, nil)
	return true
}

// RunningTasks returns the ids of tasks currently executing.
func (d *Dispatcher) RunningTasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.executions))
	for id := range d.executions {
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) baseContext() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.baseCtx == nil {
		return context.Background()
	}
	return d.baseCtx
}

// runUnit executes one claimed queue entry.
func (d *Dispatcher) runUnit(queueName string, e queue.Entry) {
	defer d.wg.Done()

	// A freed slot wakes the loop, except when the hook deferred the
	// task; that entry waits for the next tick.
	released := false
	release := func(kick bool) {
		if !released {
			released = true
			d.Queues.DecrementRunning(queueName)
			if kick {
				d.Kick()
			}
		}
	}
	defer release(true)

	ctx := d.baseContext()
	task, ok := d.Tasks.Get(e.TaskID)
	if !ok || task.Status != model.StatusPending {
		d.Log.Debug(logging.CategoryDispatcher, "skipping stale queue entry", "task_id", e.TaskID, "queue", queueName)
		return
	}

	candidates := d.Agents.FindForTask(task)
	if len(candidates) == 0 {
		d.handleNoAgent(ctx, task)
		return
	}
	agent := candidates[0]
	appCtx := d.AppContext()

	if !d.Hooks.BeforeExecute(ctx, task, agent, appCtx) {
		release(false)
		if res := d.Queues.Enqueue(queueName, task.ID, task.Priority); !res.OK {
			d.deadletter(ctx, task.ID, fmt.Sprintf("re-enqueue failed: %s", res.Reason), nil)
			return
		}
		d.Log.Debug(logging.CategoryDispatcher, "execution deferred by hook", "task_id", task.ID, "agent_id", agent.ID)
		return
	}

	action, _ := d.Actions.Read(task.Action)

	// Register the cancel func before starting so a concurrent
	// CancelTask always reaches the agent.
	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	d.mu.Lock()
	d.executions[task.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.executions, task.ID)
		d.mu.Unlock()
	}()

	started, err := d.Tasks.Start(task.ID, agent.ID)
	if err != nil {
		if errors.Is(err, tasks.ErrInvalidTransition) {
			// Cancelled between claim and start.
			d.Log.Debug(logging.CategoryDispatcher, "task not startable", "task_id", task.ID, "error", err.Error())
			return
		}
		d.Log.Error(logging.CategoryDispatcher, "start failed", "task_id", task.ID, "error", err.Error())
		d.deadletter(ctx, task.ID, err.Error(), err)
		return
	}
	d.Bus.EmitTask(events.KindStarted, started, map[string]any{"agent_id": agent.ID, "attempt": started.Attempt})
	d.Log.Info(logging.CategoryDispatcher, "task started",
		"task_id", started.ID, "agent_id", agent.ID, "action", started.Action, "attempt", started.Attempt)

	var timer *time.Timer
	if action.Timeout > 0 {
		timer = time.AfterFunc(action.Timeout, func() { cancel(ErrTaskTimeout) })
	}

	begin := time.Now()
	result, runErr := d.resolve(execCtx, agent, started, model.ExecContext{
		AppContext: appCtx,
		Attempt:    started.Attempt,
		Host:       d.Host,
	})
	if timer != nil {
		timer.Stop()
	}
	elapsed := time.Since(begin)

	if errors.Is(runErr, ErrTaskCancelled) {
		d.Log.Debug(logging.CategoryDispatcher, "discarding result of cancelled task", "task_id", started.ID)
		return
	}

	if runErr == nil {
		d.succeed(ctx, queueName, started, agent, result, elapsed)
		return
	}
	d.fail(ctx, queueName, started, agent, action, runErr, elapsed, release)
}

// resolve runs the agent and waits for it or for ctx. A late result
// from an agent that ignored cancellation is discarded.
func (d *Dispatcher) resolve(ctx context.Context, agent model.Agent, t *model.Task, ec model.ExecContext) (*model.TaskResult, error) {
	type outcome struct {
		result *model.TaskResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("agent %s panicked: %v", agent.Name, r)}
			}
			ch <- o
		}()
		o.result, o.err = agent.Resolver.Resolve(ctx, t, ec)
	}()

	select {
	case o := <-ch:
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if o.err != nil {
			return nil, o.err
		}
		if o.result == nil {
			return &model.TaskResult{Success: true}, nil
		}
		if !o.result.Success {
			msg := o.result.Error
			if msg == "" {
				msg = "agent reported failure"
			}
			return nil, errors.New(msg)
		}
		return o.result, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (d *Dispatcher) succeed(ctx context.Context, queueName string, t *model.Task, agent model.Agent, result *model.TaskResult, elapsed time.Duration) {
	done, err := d.Tasks.Complete(t.ID, result)
	if err != nil {
		d.Log.Debug(logging.CategoryDispatcher, "completion discarded", "task_id", t.ID, "error", err.Error())
		return
	}
	d.Queues.RecordCompleted(queueName)
	d.Log.Info(logging.CategoryDispatcher, "task completed", "task_id", done.ID, "agent_id", agent.ID, "duration", elapsed)
	d.Bus.EmitTask(events.KindCompleted, done, map[string]any{"agent_id": agent.ID, "duration_ms": elapsed.Milliseconds()})

	d.Hooks.AfterExecute(ctx, done, result)
	if d.Undo != nil && result.Reversible() {
		d.Undo.Register(done, result)
	}
}

// fail records a failed attempt and retries or dead-letters the task.
// The running slot is released before a retry can re-enqueue, so the
// task never competes with itself for queue capacity.
func (d *Dispatcher) fail(ctx context.Context, queueName string, t *model.Task, agent model.Agent, action model.Action, runErr error, elapsed time.Duration, release func(kick bool)) {
	msg := runErr.Error()
	if errors.Is(runErr, ErrTaskTimeout) {
		msg = TimeoutMessage
		d.Bus.EmitTask(events.KindTimeout, t, map[string]any{"timeout_ms": action.Timeout.Milliseconds()})
		d.Log.Warn(logging.CategoryDispatcher, "task timed out", "task_id", t.ID, "agent_id", agent.ID, "duration", elapsed)
	}

	failed, err := d.Tasks.Fail(t.ID, msg)
	if err != nil {
		d.Log.Debug(logging.CategoryDispatcher, "failure discarded", "task_id", t.ID, "error", err.Error())
		return
	}
	d.Queues.RecordFailed(queueName)
	d.Log.Warn(logging.CategoryDispatcher, "task failed",
		"task_id", failed.ID, "agent_id", agent.ID, "attempt", failed.Attempt, "error", msg, "duration", elapsed)
	d.Bus.EmitTask(events.KindFailed, failed, map[string]any{"agent_id": agent.ID, "error": msg})
	d.Hooks.OnError(ctx, failed, runErr, hooks.StageExecute)

	decision := d.Hooks.OnRetry(ctx, failed, runErr, failed.Attempt)
	if !decision.Retry || failed.Attempt >= failed.MaxAttempts {
		reason := "max retries exceeded"
		if !decision.Retry {
			reason = "retry declined"
		}
		dl := d.deadletter(ctx, failed.ID, reason, runErr)
		if dl != nil && d.cfg.OnMaxRetries != nil {
			d.onMaxRetries(ctx, dl, runErr)
		}
		return
	}

	delay := decision.Delay
	if delay == 0 {
		delay = action.RetryDelay
	}
	release(true)
	d.scheduleRetry(failed.ID, queueName, delay)
}

func (d *Dispatcher) onMaxRetries(ctx context.Context, t *model.Task, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.Log.Error(logging.CategoryDispatcher, "max-retries callback panicked", "task_id", t.ID, "panic", fmt.Sprint(p))
		}
	}()
	d.cfg.OnMaxRetries(ctx, t, err)
}

// noAgentOutcome asks the configured callback what to do with an
// unassignable task. A panicking callback dead-letters it.
func (d *Dispatcher) noAgentOutcome(ctx context.Context, t *model.Task) (outcome NoAgentAction) {
	if d.cfg.OnNoAgent == nil {
		return NoAgentDeadletter
	}
	defer func() {
		if p := recover(); p != nil {
			d.Log.Error(logging.CategoryAgent, "no-agent callback panicked", "task_id", t.ID, "panic", fmt.Sprint(p))
			outcome = NoAgentDeadletter
		}
	}()
	return d.cfg.OnNoAgent(ctx, t)
}

func (d *Dispatcher) scheduleRetry(id, queueName string, delay time.Duration) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		d.requeueRetry(id, queueName)
		return
	}
	d.wg.Add(1)
	d.retries[id] = retryTimer{
		queue: queueName,
		timer: time.AfterFunc(delay, func() {
			defer d.wg.Done()
			d.mu.Lock()
			delete(d.retries, id)
			d.mu.Unlock()
			d.requeueRetry(id, queueName)
			d.Kick()
		}),
	}
	d.mu.Unlock()
	d.Log.Debug(logging.CategoryDispatcher, "retry scheduled", "task_id", id, "delay", delay.String())
}

// requeueRetry returns a failed task to pending at the tail of its
// priority class.
func (d *Dispatcher) requeueRetry(id, queueName string) {
	t, err := d.Tasks.PrepareRetry(id)
	if err != nil {
		d.Log.Warn(logging.CategoryDispatcher, "retry abandoned", "task_id", id, "error", err.Error())
		return
	}
	d.Bus.EmitTask(events.KindRetry, t, map[string]any{"attempt": t.Attempt + 1})
	if res := d.Queues.Enqueue(queueName, t.ID, t.Priority); !res.OK {
		d.deadletter(d.baseContext(), t.ID, fmt.Sprintf("retry enqueue failed: %s", res.Reason), nil)
		return
	}
	d.Log.Info(logging.CategoryDispatcher, "task requeued for retry", "task_id", t.ID, "attempt", t.Attempt)
}

func (d *Dispatcher) handleNoAgent(ctx context.Context, t *model.Task) {
	d.Bus.EmitTask(events.KindNoAgent, t, nil)
	d.Log.Warn(logging.CategoryAgent, "no agent for task", "task_id", t.ID, "action", t.Action, "queue", t.Queue)

	switch d.noAgentOutcome(ctx, t) {
	case NoAgentDrop:
		d.Tasks.Delete(t.ID)
		d.Bus.EmitTask(events.KindDropped, t, map[string]any{"reason": "no-agent"})
	case NoAgentError:
		d.Hooks.OnError(ctx, t, ErrNoAgent, hooks.StageExecute)
		d.deadletter(ctx, t.ID, ErrNoAgent.Error(), ErrNoAgent)
	default:
		d.deadletter(ctx, t.ID, ErrNoAgent.Error(), ErrNoAgent)
	}
}

func (d *Dispatcher) deadletter(_ context.Context, id, reason string, cause error) *model.Task {
	t, err := d.Tasks.MarkDeadletter(id, reason)
	if err != nil {
		d.Log.Debug(logging.CategoryDispatcher, "dead-letter skipped", "task_id", id, "error", err.Error())
		return nil
	}
	args := []any{"task_id", id, "reason", reason}
	if cause != nil {
		args = append(args, "error", cause.Error())
	}
	d.Log.Error(logging.CategoryDispatcher, "task dead-lettered", args...)
	d.Bus.EmitTask(events.KindDeadletter, t, map[string]any{"reason": reason})
	return t
}
