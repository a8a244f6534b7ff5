package commands

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/aretw0/espalier/pkg/flows"
	"github.com/aretw0/espalier/pkg/stack"
	"github.com/aretw0/espalier/pkg/tracker"
)

// RunOnTracker applies one cleaned command to the tracker and returns the
// events it produced. Soft failures (unknown flow, nothing to correct) are
// logged and yield no events; the turn continues.
func RunOnTracker(cmd Command, tr *tracker.Tracker, all *flows.FlowList, logger *slog.Logger) ([]tracker.Event, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch c := cmd.(type) {
	case StartFlow:
		return runStartFlow(c, tr, all, logger)
	case CancelFlow:
		return runCancelFlow(tr, all, logger)
	case SetSlot:
		return []tracker.Event{tracker.SlotSet{Key: c.Name, Value: c.Value}}, nil
	case CorrectSlots:
		return runCorrectSlots(c, tr, all, logger)
	case Clarify:
		return pushFrame(tr, stack.NewClarificationFrame(c.Options))
	case ChitchatAnswer:
		return pushFrame(tr, stack.NewChitchatFrame())
	case KnowledgeAnswer:
		return pushFrame(tr, stack.NewSearchFrame())
	case HandleCodeChange:
		return pushFrame(tr, stack.NewCodeChangeFrame())
	default:
		return nil, fmt.Errorf("commands: cannot apply command of type %T", cmd)
	}
}

func pushFrame(tr *tracker.Tracker, frame stack.Frame) ([]tracker.Event, error) {
	st, err := tr.Stack()
	if err != nil {
		return nil, err
	}
	st.Push(frame)
	return []tracker.Event{tracker.StackUpdated(st)}, nil
}

func runStartFlow(c StartFlow, tr *tracker.Tracker, all *flows.FlowList, logger *slog.Logger) ([]tracker.Event, error) {
	if _, err := all.FlowByID(c.Flow); err != nil {
		logger.Error("skipping start of unknown flow", "flow_id", c.Flow)
		return nil, nil
	}
	st, err := tr.Stack()
	if err != nil {
		return nil, err
	}
	frameType := stack.FrameTypeRegular
	if st.TopUserFrame() != nil {
		frameType = stack.FrameTypeInterrupt
	}
	st.Push(stack.NewUserFrame(c.Flow, stack.StartStep, frameType))
	return []tracker.Event{tracker.StackUpdated(st)}, nil
}

func runCancelFlow(tr *tracker.Tracker, all *flows.FlowList, logger *slog.Logger) ([]tracker.Event, error) {
	st, err := tr.Stack()
	if err != nil {
		return nil, err
	}
	user := st.TopUserFrame()
	if user == nil {
		logger.Debug("cancel requested with no active flow")
		return nil, nil
	}
	name := user.FlowID()
	if flow, err := all.FlowByID(user.FlowID()); err == nil {
		name = flow.DisplayName()
	}
	st.Push(stack.NewCancelledFrame(name))
	return []tracker.Event{tracker.StackUpdated(st)}, nil
}

// runCorrectSlots implements the correction semantics: drop proposed values
// that match what the slots already hold, then find a rewind target among the
// active flow's already-asked questions, or fall back to reset-only when
// every affected question requires explicit asking. Without a surviving
// proposal, a target or a reset the correction is dropped.
func runCorrectSlots(c CorrectSlots, tr *tracker.Tracker, all *flows.FlowList, logger *slog.Logger) ([]tracker.Event, error) {
	st, err := tr.Stack()
	if err != nil {
		return nil, err
	}

	// A proposed value equal to the slot's current value corrects nothing.
	proposed := make([]CorrectedSlot, 0, len(c.Corrections))
	for _, cs := range c.Corrections {
		if reflect.DeepEqual(tr.GetSlot(cs.Name), cs.Value) {
			logger.Debug("dropping correction matching the current value", "slot", cs.Name)
			continue
		}
		proposed = append(proposed, cs)
	}
	if len(proposed) == 0 {
		return nil, nil
	}
	c = CorrectSlots{Corrections: proposed}

	resetOnly := AreAllSlotsResetOnly(all, c.SlotNames())

	var resetFlowID, resetStepID string
	if user := st.TopUserFrame(); user != nil {
		if flow, err := all.FlowByID(user.FlowID()); err == nil {
			if target := findEarliestUpdatedCollect(tr, flow, user.StepID(), c.SlotNames()); target != nil {
				resetFlowID = flow.ID
				resetStepID = target.ID()
			}
		}
	}

	if resetStepID == "" && !resetOnly {
		logger.Debug("dropping correction with no rewind target", "slots", c.SlotNames())
		return nil, nil
	}

	corrected := make(map[string]any, len(c.Corrections))
	for _, cs := range c.Corrections {
		corrected[cs.Name] = cs.Value
	}
	frame := stack.NewCorrectionFrame(corrected, resetOnly, resetFlowID, resetStepID)

	if prior, ok := st.Top().(*stack.CorrectionFrame); ok {
		index := frameIndex(st, prior.FrameID())
		for _, f := range st.Frames()[index:] {
			f.SetStepID(flows.ContinueStepID(flows.EndStepID))
		}
		st.PushAt(frame, index)
	} else {
		st.Push(frame)
	}
	return []tracker.Event{tracker.StackUpdated(st)}, nil
}

// AreAllSlotsResetOnly reports whether every collect step across all flows
// that asks for one of the named slots requires explicit asking. Such slots
// cannot be silently overwritten, so correction means rewinding to the
// question rather than rewriting the value.
func AreAllSlotsResetOnly(all *flows.FlowList, slotNames []string) bool {
	names := make(map[string]bool, len(slotNames))
	for _, n := range slotNames {
		names[n] = true
	}
	for _, flow := range all.Underlying() {
		for _, collect := range flow.CollectSteps() {
			if names[collect.Collect] && !collect.AskBeforeFilling {
				return false
			}
		}
	}
	return true
}

// findEarliestUpdatedCollect returns the earliest collect step already passed
// in the active flow whose slot is both proposed for correction and was
// actually filled during this conversation.
func findEarliestUpdatedCollect(tr *tracker.Tracker, flow *flows.Flow, currentStepID string, slotNames []string) *flows.CollectStep {
	names := make(map[string]bool, len(slotNames))
	for _, n := range slotNames {
		names[n] = true
	}
	filled := tr.FilledSlots()
	for _, collect := range flow.PreviousCollectSteps(currentStepID) {
		if names[collect.Collect] && filled[collect.Collect] {
			return collect
		}
	}
	return nil
}

func frameIndex(st *stack.Stack, frameID string) int {
	for i, f := range st.Frames() {
		if f.FrameID() == frameID {
			return i
		}
	}
	return len(st.Frames())
}
