package voicetask

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/nugget/voicetask/internal/dispatcher"
	"github.com/nugget/voicetask/internal/events"
	"github.com/nugget/voicetask/internal/hooks"
	"github.com/nugget/voicetask/internal/logging"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/queue"
	"github.com/nugget/voicetask/internal/router"
)

// Submit classifies transcript and schedules the resulting task.
//
// A nil task with a nil error means nothing was scheduled: the hook
// skipped it, the classifier had no confident answer or was
// superseded by a later transcript, or a policy dropped it. A task
// with ClarificationNeeded set is returned without being stored; pass
// one of its options to SubmitClarified. A returned task may already
// be dead-lettered.
func (s *SDK) Submit(ctx context.Context, transcript string) (*model.Task, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	s.bus.Emit(events.Event{Kind: events.KindTranscript, Data: map[string]any{"transcript": transcript}})
	s.log.Debug(logging.CategorySDK, "transcript received", "transcript", transcript)

	appCtx := s.appctx.Get()
	text, ok := s.hooks.BeforeClassify(ctx, transcript, appCtx)
	if !ok {
		s.log.Debug(logging.CategoryHook, "transcript skipped by hook")
		return nil, nil
	}

	classified, err := s.classifier.Classify(ctx, text, s.actions.List(true), appCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return s.classifyFailed(ctx, text, err)
	}
	if classified == nil {
		s.log.Debug(logging.CategoryClassifier, "no classification", "transcript", text)
		return nil, nil
	}
	if classified.Content == "" {
		classified.Content = text
	}
	s.emitClassified(classified, false)

	if classified.ClarificationNeeded {
		s.log.Info(logging.CategoryClassifier, "clarification needed",
			"action", classified.Action,
			"confidence", classified.Confidence,
			"options", len(classified.ClarificationOptions),
		)
		return clarificationTask(classified), nil
	}

	s.appctx.AddUserMessage(text)
	return s.submitClassified(ctx, *classified)
}

// SubmitClarified schedules the interpretation the user picked from a
// clarification. The classifier is not consulted.
func (s *SDK) SubmitClarified(ctx context.Context, transcript string, opt model.ClarificationOption) (*model.Task, error) {
	confidence := opt.Confidence
	if confidence == 0 {
		confidence = 1
	}
	return s.SubmitClassified(ctx, model.ClassifiedTask{
		Action:     opt.Action,
		Content:    transcript,
		Params:     maps.Clone(opt.Params),
		Confidence: confidence,
	})
}

// SubmitWithOverride schedules transcript as action with params,
// skipping the classifier.
func (s *SDK) SubmitWithOverride(ctx context.Context, transcript, action string, params map[string]any) (*model.Task, error) {
	return s.SubmitClassified(ctx, model.ClassifiedTask{
		Action:     action,
		Content:    transcript,
		Params:     maps.Clone(params),
		Confidence: 1,
	})
}

// SubmitClassified schedules an already classified task. The action
// must be registered and enabled.
func (s *SDK) SubmitClassified(ctx context.Context, c model.ClassifiedTask) (*model.Task, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	a, ok := s.actions.Read(c.Action)
	if !ok || !a.Enabled {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
	}
	c.ClarificationNeeded = false
	c.ClarificationQuestion = ""
	c.ClarificationOptions = nil
	s.emitClassified(&c, true)
	if c.Content != "" {
		s.appctx.AddUserMessage(c.Content)
	}
	return s.submitClassified(ctx, c)
}

// Ingest is Submit for transcript bridges. It refuses input while the
// SDK is not listening.
func (s *SDK) Ingest(ctx context.Context, transcript string) (*model.Task, error) {
	if !s.IsListening() {
		return nil, ErrNotListening
	}
	return s.Submit(ctx, transcript)
}

func (s *SDK) classifyFailed(ctx context.Context, transcript string, err error) (*model.Task, error) {
	s.log.Warn(logging.CategoryClassifier, "classification failed",
		"error", err.Error(),
		"policy", string(s.cfg.Errors.OnClassifyError),
	)

	switch s.cfg.Errors.OnClassifyError {
	case ClassifyErrorDeadletter:
		t := s.tasks.Create(model.ClassifiedTask{Content: transcript}, "", 1)
		s.hooks.OnError(ctx, t, err, hooks.StageClassify)
		return s.deadletter(t.ID, "classification failed: "+err.Error()), nil
	case ClassifyErrorCustom:
		s.hooks.OnError(ctx, nil, err, hooks.StageClassify)
		return s.customClassifyError(ctx, transcript, err)
	default:
		s.hooks.OnError(ctx, nil, err, hooks.StageClassify)
		return nil, nil
	}
}

// customClassifyError runs the user callback. A panic ignores the
// transcript.
func (s *SDK) customClassifyError(ctx context.Context, transcript string, err error) (t *model.Task, out error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error(logging.CategoryClassifier, "classify-error callback panicked", "panic", fmt.Sprint(p))
			t, out = nil, nil
		}
	}()
	return s.cfg.Errors.ClassifyErrorCustom(ctx, transcript, err)
}

func (s *SDK) submitClassified(ctx context.Context, c model.ClassifiedTask) (*model.Task, error) {
	s.applyActionDefaults(&c)

	routed := s.hooks.BeforeRoute(ctx, &c, s.appctx.Get())
	if routed == nil {
		s.log.Info(logging.CategoryHook, "task dropped before routing", "action", c.Action)
		return nil, nil
	}
	c = *routed

	maxAttempts := 1
	if a, ok := s.actions.Read(c.Action); ok {
		maxAttempts = a.MaxAttempts()
		if c.DefaultQueue == "" {
			c.DefaultQueue = a.DefaultQueue
		}
	}

	queueName, decision := s.router.Route(c)
	if queueName == "" {
		return s.unroutable(ctx, c, maxAttempts, decision)
	}

	qcfg, created, err := s.queues.Ensure(queueName)
	if err != nil {
		return nil, fmt.Errorf("queue %q: %w", queueName, err)
	}
	if created {
		s.emitQueueEvent(events.KindQueueCreated, qcfg)
		s.log.Info(logging.CategoryQueue, "queue created on demand", "queue", queueName)
	}
	if qcfg.Paused {
		switch s.cfg.Errors.OnQueuePaused {
		case QueuePausedError:
			return nil, fmt.Errorf("%w: %s", ErrQueuePaused, queueName)
		case QueuePausedDrop:
			s.log.Info(logging.CategoryQueue, "task dropped, queue paused", "queue", queueName, "action", c.Action)
			s.bus.Emit(events.Event{Kind: events.KindDropped, Data: map[string]any{
				"queue": queueName, "action": c.Action, "reason": "paused",
			}})
			return nil, nil
		}
	}

	t := s.tasks.Create(c, queueName, maxAttempts)
	s.router.AttachTask(decision.RequestID, t.ID)
	return s.enqueue(t)
}

// enqueue places a stored task on its queue and applies the overflow
// outcome.
func (s *SDK) enqueue(t *model.Task) (*model.Task, error) {
	res := s.queues.Enqueue(t.Queue, t.ID, t.Priority)
	switch {
	case res.OK:
		s.appctx.SetLastTask(t)
		s.log.Info(logging.CategoryQueue, "task queued",
			"task_id", t.ID,
			"action", t.Action,
			"queue", t.Queue,
			"priority", int(t.Priority),
			"buffered", res.Buffered,
		)
		s.bus.EmitTask(events.KindQueued, t, map[string]any{"queue": t.Queue, "buffered": res.Buffered})
		s.dispatcher.Kick()
		return t, nil

	case res.Reason == queue.ReasonDropped:
		s.tasks.Delete(t.ID)
		s.log.Info(logging.CategoryQueue, "task dropped, queue full", "task_id", t.ID, "queue", t.Queue)
		s.bus.EmitTask(events.KindDropped, t, map[string]any{"queue": t.Queue, "reason": "overflow"})
		return nil, nil

	case res.Reason == queue.ReasonDeadletter:
		return s.deadletter(t.ID, "queue overflow"), nil

	default:
		s.tasks.Delete(t.ID)
		s.log.Warn(logging.CategoryQueue, "task rejected", "task_id", t.ID, "queue", t.Queue, "reason", string(res.Reason))
		s.bus.EmitTask(events.KindRejected, t, map[string]any{"queue": t.Queue, "reason": string(res.Reason)})
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, t.Queue)
	}
}

// unroutable applies the no-agent policy to a task no queue accepts.
func (s *SDK) unroutable(ctx context.Context, c model.ClassifiedTask, maxAttempts int, decision *router.Decision) (*model.Task, error) {
	s.log.Warn(logging.CategoryRouter, "task unroutable", "action", c.Action, "reasoning", decision.Reasoning)

	switch s.cfg.Errors.OnNoAgent {
	case NoAgentDrop:
		return nil, nil
	case NoAgentError:
		s.hooks.OnError(ctx, nil, ErrUnroutable, hooks.StageRoute)
		return nil, ErrUnroutable
	}

	t := s.tasks.Create(c, "", maxAttempts)
	s.router.AttachTask(decision.RequestID, t.ID)

	action := dispatcher.NoAgentDeadletter
	if s.cfg.Errors.OnNoAgent == NoAgentCustom {
		action = s.customNoAgent(ctx, t)
	}
	switch action {
	case dispatcher.NoAgentDrop:
		s.tasks.Delete(t.ID)
		return nil, nil
	case dispatcher.NoAgentError:
		s.hooks.OnError(ctx, t, ErrUnroutable, hooks.StageRoute)
		s.deadletter(t.ID, ErrUnroutable.Error())
		return nil, ErrUnroutable
	default:
		return s.deadletter(t.ID, ErrUnroutable.Error()), nil
	}
}

func (s *SDK) deadletter(id, reason string) *model.Task {
	t, err := s.tasks.MarkDeadletter(id, reason)
	if err != nil {
		s.log.Error(logging.CategorySDK, "dead-letter failed", "task_id", id, "error", err)
		t, _ = s.tasks.Get(id)
		return t
	}
	s.log.Warn(logging.CategorySDK, "task dead-lettered", "task_id", id, "reason", reason)
	s.bus.EmitTask(events.KindDeadletter, t, map[string]any{"reason": reason})
	return t
}

// applyActionDefaults fills priority, queue and missing params from
// the action definition.
func (s *SDK) applyActionDefaults(c *model.ClassifiedTask) {
	a, ok := s.actions.Read(c.Action)
	if !ok {
		c.Priority = c.Priority.OrDefault()
		return
	}
	if !c.Priority.Valid() {
		c.Priority = a.DefaultPriority
	}
	c.Priority = c.Priority.OrDefault()
	if c.DefaultQueue == "" {
		c.DefaultQueue = a.DefaultQueue
	}
	for _, p := range a.Params {
		if p.Default == nil {
			continue
		}
		if _, set := c.Params[p.Name]; set {
			continue
		}
		if c.Params == nil {
			c.Params = make(map[string]any)
		}
		c.Params[p.Name] = p.Default
	}
}

func (s *SDK) emitClassified(c *model.ClassifiedTask, override bool) {
	data := map[string]any{
		"action":     c.Action,
		"content":    c.Content,
		"params":     maps.Clone(c.Params),
		"priority":   int(c.Priority),
		"confidence": c.Confidence,
	}
	if override {
		data["override"] = true
	}
	if c.ClarificationNeeded {
		data["clarification"] = true
		data["question"] = c.ClarificationQuestion
		opts := make([]model.ClarificationOption, len(c.ClarificationOptions))
		copy(opts, c.ClarificationOptions)
		data["options"] = opts
	}
	s.bus.Emit(events.Event{Kind: events.KindClassified, Data: data})
	s.log.Info(logging.CategoryClassifier, "transcript classified",
		"action", c.Action,
		"confidence", c.Confidence,
		"params", c.Params,
	)
}

// clarificationTask wraps a clarification so callers can present it.
// It is never stored or routed.
func clarificationTask(c *model.ClassifiedTask) *model.Task {
	opts := make([]model.ClarificationOption, len(c.ClarificationOptions))
	copy(opts, c.ClarificationOptions)
	return &model.Task{
		ID:                    model.NewID(),
		Action:                c.Action,
		Content:               c.Content,
		Params:                maps.Clone(c.Params),
		Priority:              c.Priority.OrDefault(),
		Status:                model.StatusPending,
		CreatedAt:             time.Now(),
		MaxAttempts:           1,
		Confidence:            c.Confidence,
		ClarificationNeeded:   true,
		ClarificationQuestion: c.ClarificationQuestion,
		ClarificationOptions:  opts,
	}
}

// FindOption returns the clarification option whose label matches
// answer, ignoring case and surrounding space.
func FindOption(t *model.Task, answer string) (model.ClarificationOption, bool) {
	if t == nil {
		return model.ClarificationOption{}, false
	}
	answer = strings.TrimSpace(answer)
	for _, o := range t.ClarificationOptions {
		if strings.EqualFold(o.Label, answer) {
			return o, true
		}
	}
	for _, o := range t.ClarificationOptions {
		if strings.Contains(strings.ToLower(o.Label), strings.ToLower(answer)) && answer != "" {
			return o, true
		}
	}
	return model.ClarificationOption{}, false
}
