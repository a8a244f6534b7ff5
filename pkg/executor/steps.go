package executor

import (
	"context"
	"fmt"

	"github.com/aretw0/espalier/pkg/flows"
	"github.com/aretw0/espalier/pkg/stack"
	"github.com/aretw0/espalier/pkg/tracker"
)

// executeUserFrame advances one flow frame: first the wrap-up phase checks
// whether the step the frame points at still has outstanding work, then the
// advance phase resolves the next step and runs it.
func (e *Executor) executeUserFrame(ctx context.Context, tn *turn, f *stack.UserFrame) (*Action, error) {
	flow, err := e.flows.FlowByID(f.FlowID())
	if err != nil {
		return nil, fmt.Errorf("executor: frame %s references %q: %w", f.FrameID(), f.FlowID(), err)
	}
	step, err := flow.StepByID(f.StepID())
	if err != nil {
		return nil, fmt.Errorf("executor: frame %s: %w", f.FrameID(), err)
	}

	// Wrap-up: a collect step is complete once its slot holds a value.
	// Anything else completed when it ran.
	if collect, ok := step.(*flows.CollectStep); ok && tn.scratch.GetSlot(collect.Collect) == nil {
		return e.askCollect(tn, collect), nil
	}
	if _, ok := step.(*flows.EndStep); ok {
		return e.runEnd(tn, f, flow)
	}

	next, err := e.resolveNext(tn, flow, step)
	if err != nil {
		return nil, err
	}
	f.SetStepID(next.ID())
	return e.runStep(ctx, tn, f, flow, next)
}

// resolveNext picks the step to transition to: a single static link is taken
// directly, conditional links are evaluated in declaration order with an
// optional else fallback, and a step with no links falls through to END.
func (e *Executor) resolveNext(tn *turn, flow *flows.Flow, step flows.Step) (flows.Step, error) {
	links := step.Links()
	if len(links) == 0 {
		return flow.StepByID(flows.EndStepID)
	}
	if len(links) == 1 {
		if static, ok := links[0].(flows.StaticLink); ok {
			return flow.StepByID(static.Target())
		}
	}

	env := e.slotEnv(tn)
	var elseTarget string
	hasElse := false
	for _, link := range links {
		switch l := link.(type) {
		case flows.StaticLink:
			return flow.StepByID(l.Target())
		case flows.IfLink:
			truthy, err := e.eval.IsTruthy(l.Condition, env)
			if err != nil {
				e.logger.Warn("predicate evaluation failed, treating as false",
					"flow_id", flow.ID, "step_id", step.ID(), "condition", l.Condition, "error", err)
				continue
			}
			if truthy {
				return flow.StepByID(l.Target())
			}
		case flows.ElseLink:
			elseTarget = l.Target()
			hasElse = true
		}
	}
	if hasElse {
		return flow.StepByID(elseTarget)
	}
	return nil, &flows.DefinitionError{
		FlowID: flow.ID,
		StepID: step.ID(),
		Reason: "no branch condition matched and no else link is defined",
	}
}

// runStep executes the side effect of the step just transitioned to. A nil
// action means the loop keeps advancing.
func (e *Executor) runStep(ctx context.Context, tn *turn, f *stack.UserFrame, flow *flows.Flow, step flows.Step) (*Action, error) {
	switch s := step.(type) {
	case *flows.ActionStep:
		if s.Action == "" {
			return nil, &flows.DefinitionError{FlowID: flow.ID, StepID: s.ID(), Reason: "action step has no action"}
		}
		return &Action{Name: s.Action, Confidence: 1.0}, nil

	case *flows.CollectStep:
		if value := tn.scratch.GetSlot(s.Collect); value != nil {
			if !s.AskBeforeFilling {
				// Already known, nothing to ask.
				return nil, nil
			}
			tn.emit(tracker.SlotSet{Key: s.Collect, Value: tn.scratch.Domain().InitialValue(s.Collect)})
		}
		return e.askCollect(tn, s), nil

	case *flows.LinkStep:
		if _, err := e.flows.FlowByID(s.TargetFlow); err != nil {
			return nil, fmt.Errorf("executor: link step %q in flow %q: %w", s.ID(), flow.ID, err)
		}
		if tn.scratch.ActiveLoop() != "" {
			tn.emit(tracker.ActiveLoopChanged{})
		}
		tn.stack.Push(stack.NewUserFrame(s.TargetFlow, stack.StartStep, stack.FrameTypeLink))
		return nil, nil

	case *flows.SetSlotsStep:
		for _, sv := range s.Slots {
			tn.emit(tracker.SlotSet{Key: sv.Key, Value: sv.Value})
		}
		return nil, nil

	case *flows.GenerateStep:
		return e.runGenerate(ctx, tn, flow, s)

	case *flows.EndStep:
		return e.runEnd(tn, f, flow)

	case *flows.BranchStep, *flows.UserMessageStep, *flows.StartStep, *flows.ContinueStep:
		// Pure routing, no side effect.
		return nil, nil

	default:
		return nil, fmt.Errorf("executor: unknown step variant %T in flow %q", step, flow.ID)
	}
}

// askCollect emits the question for a slot: the question loop is activated,
// a collect-information frame marks the pending question on the stack and
// the collect action is returned.
func (e *Executor) askCollect(tn *turn, s *flows.CollectStep) *Action {
	loop := QuestionPrefix + s.Collect
	if tn.scratch.ActiveLoop() != loop {
		tn.emit(tracker.ActiveLoopChanged{Name: loop})
	}
	if top, ok := tn.stack.Top().(*stack.CollectInformationFrame); !ok || top.Collect != s.Collect {
		tn.stack.Push(stack.NewCollectInformationFrame(s.Collect, s.Utter))
	}
	return &Action{
		Name:       loop,
		Confidence: 1.0,
		Metadata:   map[string]any{"slot": s.Collect, "utter": s.Utter},
	}
}

// runCollectInformation resolves a pending question: with the slot still
// empty the question is re-asked, otherwise the value is validated against
// the collect step's rejections and the frame is popped on acceptance.
func (e *Executor) runCollectInformation(tn *turn, f *stack.CollectInformationFrame) (*Action, error) {
	if tn.scratch.GetSlot(f.Collect) == nil {
		if tn.scratch.ActiveLoop() != QuestionPrefix+f.Collect {
			tn.emit(tracker.ActiveLoopChanged{Name: QuestionPrefix + f.Collect})
		}
		return &Action{
			Name:       QuestionPrefix + f.Collect,
			Confidence: 1.0,
			Metadata:   map[string]any{"slot": f.Collect, "utter": f.Utter},
		}, nil
	}

	if collect := e.collectStepFor(tn, f); collect != nil {
		if action := e.runRejections(tn, collect); action != nil {
			return action, nil
		}
	}

	tn.stack.Pop()
	if tn.scratch.ActiveLoop() != "" {
		tn.emit(tracker.ActiveLoopChanged{})
	}
	return nil, nil
}

// collectStepFor finds the collect step the pending question belongs to by
// walking down to the owning user frame.
func (e *Executor) collectStepFor(tn *turn, f *stack.CollectInformationFrame) *flows.CollectStep {
	frames := tn.stack.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		uf, ok := frames[i].(*stack.UserFrame)
		if !ok {
			continue
		}
		flow, err := e.flows.FlowByID(uf.FlowID())
		if err != nil {
			return nil
		}
		step, err := flow.StepByID(uf.StepID())
		if err != nil {
			return nil
		}
		if collect, ok := step.(*flows.CollectStep); ok && collect.Collect == f.Collect {
			return collect
		}
		return nil
	}
	return nil
}

// runRejections validates a freshly filled slot. A matching rejection resets
// the slot and plays the rejection utterance; an evaluation failure resets
// the slot and surfaces the internal-error utterance instead of the raw
// error.
func (e *Executor) runRejections(tn *turn, collect *flows.CollectStep) *Action {
	if len(collect.Rejections) == 0 {
		return nil
	}
	env := e.slotEnv(tn)
	for _, rejection := range collect.Rejections {
		truthy, err := e.eval.IsTruthy(rejection.If, env)
		if err != nil {
			e.logger.Error("slot rejection predicate failed",
				"slot", collect.Collect, "condition", rejection.If, "error", err)
			tn.emit(tracker.SlotSet{Key: collect.Collect})
			return &Action{Name: UtterInternalError, Confidence: 1.0}
		}
		if truthy {
			e.logger.Debug("slot value rejected", "slot", collect.Collect, "utter", rejection.Utter)
			tn.emit(tracker.SlotSet{Key: collect.Collect})
			return &Action{Name: rejection.Utter, Confidence: 1.0, Metadata: map[string]any{"slot": collect.Collect}}
		}
	}
	return nil
}

// runEnd finishes a flow: the frame is popped, flow-scoped slots are reset
// and the appropriate continuation pattern is queued for the exposed state.
func (e *Executor) runEnd(tn *turn, f *stack.UserFrame, flow *flows.Flow) (*Action, error) {
	if _, err := tn.stack.Pop(); err != nil {
		return nil, fmt.Errorf("executor: ending flow %q: %w", flow.ID, err)
	}
	if tn.scratch.ActiveLoop() != "" {
		tn.emit(tracker.ActiveLoopChanged{})
	}
	for _, collect := range flow.CollectSteps() {
		if collect.ResetAfterFlowEnds {
			tn.emit(tracker.SlotSet{Key: collect.Collect, Value: tn.scratch.Domain().InitialValue(collect.Collect)})
		}
	}

	switch f.Type() {
	case stack.FrameTypeInterrupt:
		if exposed := tn.stack.TopUserFrame(); exposed != nil {
			name := exposed.FlowID()
			if exposedFlow, err := e.flows.FlowByID(exposed.FlowID()); err == nil {
				name = exposedFlow.DisplayName()
			}
			tn.stack.Push(stack.NewContinueInterruptedFrame(name))
		}
	case stack.FrameTypeRegular:
		if tn.stack.IsEmpty() {
			tn.stack.Push(stack.NewCompletedFrame(flow.DisplayName()))
		}
	}
	return nil, nil
}
