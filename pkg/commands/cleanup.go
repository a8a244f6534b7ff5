package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/aretw0/espalier/pkg/flows"
	"github.com/aretw0/espalier/pkg/stack"
	"github.com/aretw0/espalier/pkg/tracker"
)

// ErrInvalidBatch reports a cleaned command list that violates the batch
// invariants. It indicates a bug in cleanup or in the command source and
// aborts the turn.
var ErrInvalidBatch = errors.New("commands: invalid command batch")

// CleanUp normalizes the raw ordered command list for one turn: duplicate
// cancels are dropped, free-form answers move to the front, fills for slots
// the active flows already collected become corrections and redundant
// clarifications are removed. The input slice is not modified.
func CleanUp(raw []Command, tr *tracker.Tracker, all *flows.FlowList, logger *slog.Logger) []Command {
	if logger == nil {
		logger = slog.Default()
	}

	onlyClarifies := len(raw) > 0
	for _, cmd := range raw {
		if _, ok := cmd.(Clarify); !ok {
			onlyClarifies = false
			break
		}
	}

	filled := filledSlotsForActiveFlows(tr, all)
	activeCollect := currentCollectSlot(tr, all)
	pending := pendingCorrectedSlots(tr)

	var freeForm []Command
	var rest []Command
	seenCancel := false
	seenClarify := false
	correctionIdx := -1

	for _, cmd := range raw {
		switch c := cmd.(type) {
		case CancelFlow:
			if seenCancel {
				logger.Debug("dropping duplicate cancel command")
				continue
			}
			seenCancel = true
			rest = append(rest, c)
		case SetSlot:
			if !filled[c.Name] || c.Name == activeCollect {
				rest = append(rest, c)
				continue
			}
			if pv, ok := pending[c.Name]; ok && reflect.DeepEqual(pv, c.Value) {
				logger.Debug("dropping slot fill already pending as correction", "slot", c.Name)
				continue
			}
			if correctionIdx >= 0 {
				existing := rest[correctionIdx].(CorrectSlots)
				if merged, changed := mergeCorrection(existing, c); changed {
					rest[correctionIdx] = merged
				} else {
					logger.Debug("dropping no-op slot correction", "slot", c.Name)
				}
				continue
			}
			logger.Debug("converting slot fill into correction", "slot", c.Name)
			rest = append(rest, CorrectSlots{Corrections: []CorrectedSlot{{Name: c.Name, Value: c.Value}}})
			correctionIdx = len(rest) - 1
		case Clarify:
			if len(raw) > 1 {
				if !onlyClarifies {
					logger.Debug("dropping clarify among other commands")
					continue
				}
				if seenClarify {
					continue
				}
			}
			seenClarify = true
			rest = append(rest, c)
		default:
			if ffa, ok := cmd.(FreeFormAnswer); ok {
				freeForm = append(freeForm, ffa)
				continue
			}
			rest = append(rest, cmd)
		}
	}

	out := make([]Command, 0, len(freeForm)+len(rest))
	out = append(out, freeForm...)
	out = append(out, rest...)
	return out
}

// mergeCorrection folds a repeated slot fill into an existing correction.
// A value equal to the already-pending correction for the same slot is a
// no-op and reports changed=false without altering the command.
func mergeCorrection(existing CorrectSlots, c SetSlot) (CorrectSlots, bool) {
	for i, cs := range existing.Corrections {
		if cs.Name != c.Name {
			continue
		}
		if reflect.DeepEqual(cs.Value, c.Value) {
			return existing, false
		}
		merged := CorrectSlots{Corrections: append([]CorrectedSlot(nil), existing.Corrections...)}
		merged.Corrections[i] = CorrectedSlot{Name: c.Name, Value: c.Value}
		return merged, true
	}
	merged := CorrectSlots{Corrections: append(append([]CorrectedSlot(nil), existing.Corrections...), CorrectedSlot{Name: c.Name, Value: c.Value})}
	return merged, true
}

// filledSlotsForActiveFlows returns the slots the flows currently on the
// stack have already asked for, judged by the collect steps each flow passed
// before its frame's current step. Slots filled by flows that have since
// ended do not count, so answering the same question on a fresh start stays
// a plain fill instead of becoming a correction.
func filledSlotsForActiveFlows(tr *tracker.Tracker, all *flows.FlowList) map[string]bool {
	out := map[string]bool{}
	st, err := tr.Stack()
	if err != nil {
		return out
	}
	for _, frame := range st.Frames() {
		user, ok := frame.(*stack.UserFrame)
		if !ok {
			continue
		}
		flow, err := all.FlowByID(user.FlowID())
		if err != nil {
			continue
		}
		for _, collect := range flow.PreviousCollectSteps(user.StepID()) {
			out[collect.Collect] = true
		}
	}
	return out
}

// pendingCorrectedSlots returns the corrections already queued on the
// topmost correction frame, if one sits above the active user frame. A fill
// repeating one of these values is redundant and gets dropped outright.
func pendingCorrectedSlots(tr *tracker.Tracker) map[string]any {
	st, err := tr.Stack()
	if err != nil {
		return nil
	}
	frames := st.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		switch f := frames[i].(type) {
		case *stack.CorrectionFrame:
			return f.CorrectedSlots
		case *stack.UserFrame:
			return nil
		}
	}
	return nil
}

// currentCollectSlot returns the slot the stack's topmost frame is currently
// asking for, or "" when no collect step is active.
func currentCollectSlot(tr *tracker.Tracker, all *flows.FlowList) string {
	st, err := tr.Stack()
	if err != nil {
		return ""
	}
	top := st.Top()
	if top == nil {
		return ""
	}
	if frame, ok := top.(*stack.CollectInformationFrame); ok {
		return frame.Collect
	}
	user, ok := top.(*stack.UserFrame)
	if !ok {
		return ""
	}
	flow, err := all.FlowByID(user.FlowID())
	if err != nil {
		return ""
	}
	step, err := flow.StepByID(user.StepID())
	if err != nil {
		return ""
	}
	if collect, ok := step.(*flows.CollectStep); ok {
		return collect.Collect
	}
	return ""
}

// Validate enforces the batch invariants on a cleaned command list: at most
// one CancelFlow, at most one CorrectSlots, and all free-form answers form a
// contiguous prefix.
func Validate(cmds []Command) error {
	cancels := 0
	corrections := 0
	prefixEnded := false
	for i, cmd := range cmds {
		switch cmd.(type) {
		case CancelFlow:
			cancels++
		case CorrectSlots:
			corrections++
		}
		if _, ok := cmd.(FreeFormAnswer); ok {
			if prefixEnded {
				return fmt.Errorf("%w: free-form answer at position %d after other commands", ErrInvalidBatch, i)
			}
		} else {
			prefixEnded = true
		}
	}
	if cancels > 1 {
		return fmt.Errorf("%w: %d cancel commands, want at most 1", ErrInvalidBatch, cancels)
	}
	if corrections > 1 {
		return fmt.Errorf("%w: %d correction commands, want at most 1", ErrInvalidBatch, corrections)
	}
	return nil
}
