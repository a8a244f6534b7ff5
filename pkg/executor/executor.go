package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/flows"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/predicates"
	"github.com/aretw0/espalier/pkg/stack"
	"github.com/aretw0/espalier/pkg/tracker"
)

// maxIterations bounds the executor loop. Flows that keep routing without
// ever producing an action past this point are treated as malformed.
const maxIterations = 100

// Executor selects the next action for a conversation by interpreting the
// dialogue stack against the flow catalog.
type Executor struct {
	flows     *flows.FlowList
	eval      predicates.Evaluator
	generator ports.Generator
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithEvaluator replaces the default predicate evaluator.
func WithEvaluator(eval predicates.Evaluator) Option {
	return func(e *Executor) { e.eval = eval }
}

// WithGenerator provides the external text generator used by
// response-generation steps. Without one those steps are skipped.
func WithGenerator(gen ports.Generator) Option {
	return func(e *Executor) { e.generator = gen }
}

// WithLogger sets the logger for soft failures and trace output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an executor over the given flow catalog.
func New(catalog *flows.FlowList, opts ...Option) *Executor {
	e := &Executor{
		flows:  catalog,
		eval:   predicates.NewJSEvaluator(),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// turn is the mutable working state of one executor run: a scratch copy of
// the tracker, the decoded stack and the events accumulated so far. Events
// are applied to the scratch copy immediately so later predicates see them;
// the caller commits them to the real tracker only after the run succeeds.
type turn struct {
	scratch *tracker.Tracker
	stack   *stack.Stack
	events  []tracker.Event
}

func (tn *turn) emit(events ...tracker.Event) {
	tn.scratch.Update(events...)
	tn.events = append(tn.events, events...)
}

// PredictNextAction runs the executor loop for one call: start/cancel checks
// first, then stack advancement until an action is produced or the stack is
// empty. The returned events have not been applied to tr.
func (e *Executor) PredictNextAction(ctx context.Context, tr *tracker.Tracker) (*Prediction, error) {
	scratch := tr.Copy()
	st, err := scratch.Stack()
	if err != nil {
		return nil, fmt.Errorf("executor: decoding stack: %w", err)
	}
	tn := &turn{scratch: scratch, stack: st}

	if action := e.checkFlowTrigger(tn); action != nil {
		return e.finish(tr, tn, action)
	}
	e.checkCancellation(tn)

	for i := 0; i < maxIterations; i++ {
		if tn.stack.IsEmpty() {
			return e.finish(tr, tn, listenAction())
		}
		action, err := e.executeTop(ctx, tn)
		if err != nil {
			return nil, err
		}
		if action != nil {
			return e.finish(tr, tn, action)
		}
	}
	top := tn.stack.Top()
	return nil, fmt.Errorf("executor: no action after %d iterations, flow %q is likely cyclic", maxIterations, top.FlowID())
}

func (e *Executor) finish(tr *tracker.Tracker, tn *turn, action *Action) (*Prediction, error) {
	before, err := tr.Stack()
	if err != nil {
		return nil, fmt.Errorf("executor: decoding stack: %w", err)
	}
	events := tn.events
	if !before.Equal(tn.stack) {
		events = append(events, tracker.StackUpdated(tn.stack))
	}
	e.logger.Debug("action selected",
		"action", action.Name,
		"confidence", action.Confidence,
		"events", len(events))
	return &Prediction{Action: action, Events: events}, nil
}

// checkFlowTrigger predicts the flow-start action for a flow whose trigger
// matches the latest message and which is not already on the stack. The
// stack itself is not changed; the push happens when the start command for
// the predicted flow is applied.
func (e *Executor) checkFlowTrigger(tn *turn) *Action {
	msg := tn.scratch.LatestMessage()
	if msg == nil {
		return nil
	}
	active := map[string]bool{}
	for _, frame := range tn.stack.Frames() {
		if uf, ok := frame.(*stack.UserFrame); ok {
			active[uf.FlowID()] = true
		}
	}
	for _, cand := range e.flows.TriggerCandidates() {
		if active[cand.Flow.ID] || !cand.Trigger.IsTriggered(msg) {
			continue
		}
		e.logger.Debug("flow triggered by message", "flow_id", cand.Flow.ID, "intent", msg.Intent.Name)
		return &Action{
			Name:       FlowPrefix + cand.Flow.ID,
			Confidence: 1.0,
			Metadata:   map[string]any{"flow_id": cand.Flow.ID},
		}
	}
	return nil
}

// checkCancellation pushes a cancellation frame when the latest message
// carries the cancel intent and a flow is active. The frame handler pops the
// flow and emits the cancellation pattern action.
func (e *Executor) checkCancellation(tn *turn) {
	msg := tn.scratch.LatestMessage()
	if msg == nil || msg.Intent.Name != CancelIntent {
		return
	}
	if tn.scratch.LatestActionName() == stack.PatternCancelID {
		return
	}
	if _, ok := tn.stack.Top().(*stack.CancelledFrame); ok {
		return
	}
	user := tn.stack.TopUserFrame()
	if user == nil {
		return
	}
	name := user.FlowID()
	if flow, err := e.flows.FlowByID(user.FlowID()); err == nil {
		name = flow.DisplayName()
	}
	tn.stack.Push(stack.NewCancelledFrame(name))
}

// executeTop runs one iteration over the topmost frame. A nil action with a
// nil error means progress was made and the loop should continue.
func (e *Executor) executeTop(ctx context.Context, tn *turn) (*Action, error) {
	switch f := tn.stack.Top().(type) {
	case *stack.UserFrame:
		return e.executeUserFrame(ctx, tn, f)
	case *stack.CorrectionFrame:
		return e.runCorrection(tn, f)
	case *stack.CollectInformationFrame:
		return e.runCollectInformation(tn, f)
	case *stack.CancelledFrame:
		return e.runCancelled(tn, f)
	case *stack.ContinueInterruptedFrame:
		tn.stack.Pop()
		return &Action{
			Name:       stack.PatternContinueInterruptedID,
			Confidence: 1.0,
			Metadata:   map[string]any{"previous_flow_name": f.PreviousFlowName},
		}, nil
	case *stack.CompletedFrame:
		tn.stack.Pop()
		return &Action{
			Name:       stack.PatternCompletedID,
			Confidence: 1.0,
			Metadata:   map[string]any{"previous_flow_name": f.PreviousFlowName},
		}, nil
	case *stack.ClarificationFrame:
		tn.stack.Pop()
		return &Action{
			Name:       stack.PatternClarificationID,
			Confidence: 1.0,
			Metadata: map[string]any{
				"names":                 f.Names,
				"clarification_options": f.ClarificationOptions,
			},
		}, nil
	case *stack.ChitchatFrame:
		tn.stack.Pop()
		return &Action{Name: stack.PatternChitchatID, Confidence: 1.0}, nil
	case *stack.SearchFrame:
		tn.stack.Pop()
		return &Action{Name: stack.PatternSearchID, Confidence: 1.0}, nil
	case *stack.CodeChangeFrame:
		// Definition changes invalidate every in-flight flow.
		for !tn.stack.IsEmpty() {
			tn.stack.Pop()
		}
		if tn.scratch.ActiveLoop() != "" {
			tn.emit(tracker.ActiveLoopChanged{})
		}
		return &Action{Name: stack.PatternCodeChangeID, Confidence: 1.0}, nil
	default:
		return nil, fmt.Errorf("executor: unknown frame variant %T on stack", f)
	}
}

// runCancelled pops the cancellation marker together with the user flow
// beneath it and emits the cancellation pattern action.
func (e *Executor) runCancelled(tn *turn, f *stack.CancelledFrame) (*Action, error) {
	tn.stack.Pop()
	if user := tn.stack.TopUserFrame(); user != nil {
		// Drop pattern frames riding on top of the cancelled flow too.
		for tn.stack.Top() != stack.Frame(user) {
			tn.stack.Pop()
		}
		tn.stack.Pop()
	}
	if tn.scratch.ActiveLoop() != "" {
		tn.emit(tracker.ActiveLoopChanged{})
	}
	return &Action{
		Name:       stack.PatternCancelID,
		Confidence: 1.0,
		Metadata:   map[string]any{"cancelled_flow_name": f.CancelledName},
	}, nil
}

// runCorrection applies a pending correction: set (or reset) the corrected
// slots, rewind the owning frame to the question being corrected and emit
// the correction pattern action. Corrections rewind the step pointer and
// change slot values only; side effects of actions that already ran are not
// reverted.
func (e *Executor) runCorrection(tn *turn, f *stack.CorrectionFrame) (*Action, error) {
	tn.stack.Pop()

	names := make([]string, 0, len(f.CorrectedSlots))
	for name := range f.CorrectedSlots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if f.IsResetOnly {
			tn.emit(tracker.SlotSet{Key: name, Value: tn.scratch.Domain().InitialValue(name)})
		} else {
			tn.emit(tracker.SlotSet{Key: name, Value: f.CorrectedSlots[name]})
		}
	}

	if f.ResetStepID != "" {
		for i := len(tn.stack.Frames()) - 1; i >= 0; i-- {
			if uf, ok := tn.stack.Frames()[i].(*stack.UserFrame); ok && uf.FlowID() == f.ResetFlowID {
				uf.SetStepID(f.ResetStepID)
				break
			}
		}
	}

	return &Action{
		Name:       stack.PatternCorrectionID,
		Confidence: 1.0,
		Metadata: map[string]any{
			"corrected_slots": f.CorrectedSlots,
			"is_reset_only":   f.IsResetOnly,
		},
	}, nil
}

func (e *Executor) slotEnv(tn *turn) map[string]any {
	var names []string
	if dom := tn.scratch.Domain(); dom != nil {
		for _, s := range dom.Slots {
			names = append(names, s.Name)
		}
	}
	return predicates.Env(names, tn.scratch.SlotValues())
}
