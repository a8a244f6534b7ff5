package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/flows"
	"github.com/aretw0/espalier/pkg/stack"
	"github.com/aretw0/espalier/pkg/tracker"
)

const executorCatalog = `
flows:
  transfer_money:
    name: transfer money
    steps:
      - collect: amount
        rejections:
          - if: "amount <= 0"
            utter: utter_invalid_amount
      - action: execute_transfer
  check_balance:
    name: check balance
    steps:
      - intent: check_balance
      - action: utter_balance
`

func parseFlows(t *testing.T, yaml string) *flows.FlowList {
	t.Helper()
	catalog, err := flows.ParseCatalog([]byte(yaml))
	require.NoError(t, err)
	return catalog
}

// predict runs one prediction and commits its events, the way the engine
// does between actions.
func predict(t *testing.T, e *Executor, tr *tracker.Tracker) *Action {
	t.Helper()
	p, err := e.PredictNextAction(context.Background(), tr)
	require.NoError(t, err)
	require.NotNil(t, p.Action)
	tr.Update(p.Events...)
	tr.Update(tracker.ActionExecuted{Name: p.Action.Name})
	return p.Action
}

func pushFlow(tr *tracker.Tracker, flowID string, typ stack.FrameType) {
	st, _ := tr.Stack()
	st.Push(stack.NewUserFrame(flowID, stack.StartStep, typ))
	tr.Update(tracker.StackUpdated(st))
}

func TestPredictListenOnEmptyStack(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)

	p, err := e.PredictNextAction(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, ActionListen, p.Action.Name)
	assert.Equal(t, 0.0, p.Action.Confidence)
	assert.Empty(t, p.Events)
}

func TestPredictFlowTrigger(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	tr.Update(tracker.UserUttered{Message: &domain.Message{Intent: domain.Intent{Name: "check_balance"}}})

	p, err := e.PredictNextAction(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, "flow_check_balance", p.Action.Name)
	assert.Equal(t, 1.0, p.Action.Confidence)
	assert.Equal(t, "check_balance", p.Action.Metadata["flow_id"])
	// the push happens when the start command runs, not here
	assert.Empty(t, p.Events)
}

func TestPredictFlowTriggerSkipsActiveFlow(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	tr.Update(tracker.UserUttered{Message: &domain.Message{Intent: domain.Intent{Name: "check_balance"}}})
	pushFlow(tr, "check_balance", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	assert.Equal(t, "utter_balance", action.Name)
}

func TestCollectLifecycle(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	pushFlow(tr, "transfer_money", stack.FrameTypeRegular)

	// first prediction asks the question and activates the loop
	action := predict(t, e, tr)
	assert.Equal(t, "question_amount", action.Name)
	assert.Equal(t, "amount", action.Metadata["slot"])
	assert.Equal(t, "utter_ask_amount", action.Metadata["utter"])
	assert.Equal(t, "question_amount", tr.ActiveLoop())

	st, err := tr.Stack()
	require.NoError(t, err)
	_, ok := st.Top().(*stack.CollectInformationFrame)
	assert.True(t, ok)

	// without an answer the question is re-asked
	action = predict(t, e, tr)
	assert.Equal(t, "question_amount", action.Name)

	// the answer completes the question and the flow advances
	tr.Update(tracker.SlotSet{Key: "amount", Value: 100.0})
	action = predict(t, e, tr)
	assert.Equal(t, "execute_transfer", action.Name)
	assert.Equal(t, "", tr.ActiveLoop())

	st, err = tr.Stack()
	require.NoError(t, err)
	require.Len(t, st.Frames(), 1)
	assert.Equal(t, "1_execute_transfer", st.Top().StepID())
}

func TestFlowCompletion(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	pushFlow(tr, "transfer_money", stack.FrameTypeRegular)
	tr.Update(tracker.SlotSet{Key: "amount", Value: 100.0})

	action := predict(t, e, tr)
	require.Equal(t, "execute_transfer", action.Name)

	action = predict(t, e, tr)
	assert.Equal(t, stack.PatternCompletedID, action.Name)
	assert.Equal(t, "transfer money", action.Metadata["previous_flow_name"])

	// collected slots reset when their flow ends
	assert.Nil(t, tr.GetSlot("amount"))

	st, err := tr.Stack()
	require.NoError(t, err)
	assert.True(t, st.IsEmpty())

	action = predict(t, e, tr)
	assert.Equal(t, ActionListen, action.Name)
}

func TestSlotRejection(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	pushFlow(tr, "transfer_money", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	require.Equal(t, "question_amount", action.Name)

	tr.Update(tracker.SlotSet{Key: "amount", Value: -5.0})
	action = predict(t, e, tr)
	assert.Equal(t, "utter_invalid_amount", action.Name)
	assert.Equal(t, "amount", action.Metadata["slot"])
	assert.Nil(t, tr.GetSlot("amount"), "rejected value is cleared")

	// the question comes back for the cleared slot
	action = predict(t, e, tr)
	assert.Equal(t, "question_amount", action.Name)
}

func TestSlotRejectionEvaluationFailure(t *testing.T) {
	catalog := parseFlows(t, `
flows:
  f:
    steps:
      - collect: code
        rejections:
          - if: "code.matches(/broken"
            utter: utter_bad_code
`)
	e := New(catalog)
	tr := tracker.New("c", nil)
	pushFlow(tr, "f", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	require.Equal(t, "question_code", action.Name)

	tr.Update(tracker.SlotSet{Key: "code", Value: "x"})
	action = predict(t, e, tr)
	assert.Equal(t, UtterInternalError, action.Name)
	assert.Nil(t, tr.GetSlot("code"))
}

func TestCancellationIntent(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	pushFlow(tr, "transfer_money", stack.FrameTypeRegular)
	tr.Update(tracker.UserUttered{Message: &domain.Message{Intent: domain.Intent{Name: CancelIntent}}})

	action := predict(t, e, tr)
	assert.Equal(t, stack.PatternCancelID, action.Name)
	assert.Equal(t, "transfer money", action.Metadata["cancelled_flow_name"])

	st, err := tr.Stack()
	require.NoError(t, err)
	assert.True(t, st.IsEmpty())

	// the marker is not re-pushed right after the cancellation ran
	action = predict(t, e, tr)
	assert.Equal(t, ActionListen, action.Name)
}

func TestContinueInterrupted(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	tr.Update(tracker.SlotSet{Key: "amount", Value: 10.0})
	pushFlow(tr, "transfer_money", stack.FrameTypeRegular)

	st, _ := tr.Stack()
	interrupt := stack.NewUserFrame("check_balance", flows.EndStepID, stack.FrameTypeInterrupt)
	st.Push(interrupt)
	tr.Update(tracker.StackUpdated(st))

	action := predict(t, e, tr)
	assert.Equal(t, stack.PatternContinueInterruptedID, action.Name)
	assert.Equal(t, "transfer money", action.Metadata["previous_flow_name"])

	st, err := tr.Stack()
	require.NoError(t, err)
	require.Len(t, st.Frames(), 1)
	user, ok := st.Top().(*stack.UserFrame)
	require.True(t, ok)
	assert.Equal(t, "transfer_money", user.FlowID())
}

func TestBranchResolution(t *testing.T) {
	catalog := parseFlows(t, `
flows:
  route:
    steps:
      - set_slots:
          - tier: gold
      - id: fork
        next:
          - if: "tier == 'gold'"
            then:
              - action: utter_gold
          - else:
              - action: utter_basic
`)
	e := New(catalog)
	tr := tracker.New("c", nil)
	pushFlow(tr, "route", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	assert.Equal(t, "utter_gold", action.Name)
	assert.Equal(t, "gold", tr.GetSlot("tier"))
}

func TestBranchFallsBackToElse(t *testing.T) {
	catalog := parseFlows(t, `
flows:
  route:
    steps:
      - id: fork
        next:
          - if: "tier == 'gold'"
            then:
              - action: utter_gold
          - else:
              - action: utter_basic
`)
	e := New(catalog)
	tr := tracker.New("c", nil)
	pushFlow(tr, "route", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	assert.Equal(t, "utter_basic", action.Name)
}

func TestBranchPredicateFailureIsFalse(t *testing.T) {
	catalog := parseFlows(t, `
flows:
  route:
    steps:
      - id: fork
        next:
          - if: "undefined_slot.field > 1"
            then:
              - action: utter_then
          - else:
              - action: utter_else
`)
	e := New(catalog)
	tr := tracker.New("c", nil)
	pushFlow(tr, "route", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	assert.Equal(t, "utter_else", action.Name)
}

func TestBranchWithoutElseIsDefinitionError(t *testing.T) {
	catalog := parseFlows(t, `
flows:
  route:
    steps:
      - id: fork
        next:
          - if: "tier == 'gold'"
            then:
              - action: utter_gold
`)
	e := New(catalog)
	tr := tracker.New("c", nil)
	pushFlow(tr, "route", stack.FrameTypeRegular)

	_, err := e.PredictNextAction(context.Background(), tr)
	require.Error(t, err)
	var defErr *flows.DefinitionError
	assert.ErrorAs(t, err, &defErr)
}

func TestLinkStep(t *testing.T) {
	catalog := parseFlows(t, `
flows:
  outer:
    steps:
      - link: inner
  inner:
    steps:
      - action: utter_inner
`)
	e := New(catalog)
	tr := tracker.New("c", nil)
	pushFlow(tr, "outer", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	assert.Equal(t, "utter_inner", action.Name)

	st, err := tr.Stack()
	require.NoError(t, err)
	require.Len(t, st.Frames(), 2)
	linked, ok := st.Top().(*stack.UserFrame)
	require.True(t, ok)
	assert.Equal(t, "inner", linked.FlowID())
	assert.Equal(t, stack.FrameTypeLink, linked.Type())
}

func TestCollectSkippedWhenAlreadyFilled(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	tr.Update(tracker.SlotSet{Key: "amount", Value: 50.0})
	pushFlow(tr, "transfer_money", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	assert.Equal(t, "execute_transfer", action.Name)
}

func TestCollectAskBeforeFillingResetsValue(t *testing.T) {
	catalog := parseFlows(t, `
flows:
  confirm:
    steps:
      - collect: approval
        ask_before_filling: true
      - action: utter_done
`)
	e := New(catalog)
	dom := domain.NewDomain([]domain.Slot{{Name: "approval"}})
	tr := tracker.New("c", dom)
	tr.Update(tracker.SlotSet{Key: "approval", Value: true})
	pushFlow(tr, "confirm", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	assert.Equal(t, "question_approval", action.Name)
	assert.Nil(t, tr.GetSlot("approval"), "value filled before the question must be re-asked")
}

func TestSlotResetToInitialValueOnFlowEnd(t *testing.T) {
	catalog := parseFlows(t, `
flows:
  upgrade:
    steps:
      - collect: membership
      - action: utter_upgraded
`)
	e := New(catalog)
	dom := domain.NewDomain([]domain.Slot{{Name: "membership", InitialValue: "basic"}})
	tr := tracker.New("c", dom)
	tr.Update(tracker.SlotSet{Key: "membership", Value: "gold"})
	pushFlow(tr, "upgrade", stack.FrameTypeRegular)

	action := predict(t, e, tr)
	require.Equal(t, "utter_upgraded", action.Name)
	action = predict(t, e, tr)
	require.Equal(t, stack.PatternCompletedID, action.Name)

	assert.Equal(t, "basic", tr.GetSlot("membership"))
}

func TestCodeChangeFrameClearsStack(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	pushFlow(tr, "transfer_money", stack.FrameTypeRegular)
	st, _ := tr.Stack()
	st.Push(stack.NewCodeChangeFrame())
	tr.Update(tracker.StackUpdated(st))

	action := predict(t, e, tr)
	assert.Equal(t, stack.PatternCodeChangeID, action.Name)

	st, err := tr.Stack()
	require.NoError(t, err)
	assert.True(t, st.IsEmpty())
}

func TestCyclicFlowAborts(t *testing.T) {
	catalog := parseFlows(t, `
flows:
  loop:
    steps:
      - id: a
        next: b
      - id: b
        next: a
`)
	e := New(catalog)
	tr := tracker.New("c", nil)
	pushFlow(tr, "loop", stack.FrameTypeRegular)

	_, err := e.PredictNextAction(context.Background(), tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestCorrectionRewind(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	dom := domain.NewDomain([]domain.Slot{{Name: "amount"}})
	tr := tracker.New("c", dom)
	tr.Update(tracker.SlotSet{Key: "amount", Value: 100.0})

	st := stack.New(stack.NewUserFrame("transfer_money", "1_execute_transfer", stack.FrameTypeRegular))
	st.Push(stack.NewCorrectionFrame(map[string]any{"amount": 50.0}, false, "transfer_money", "0_collect_amount"))
	tr.Update(tracker.StackUpdated(st))

	action := predict(t, e, tr)
	assert.Equal(t, stack.PatternCorrectionID, action.Name)
	assert.Equal(t, false, action.Metadata["is_reset_only"])
	assert.Equal(t, 50.0, tr.GetSlot("amount"))

	st, err := tr.Stack()
	require.NoError(t, err)
	user, ok := st.Top().(*stack.UserFrame)
	require.True(t, ok)
	assert.Equal(t, "0_collect_amount", user.StepID())

	// the rewound flow re-runs from the corrected question onward
	action = predict(t, e, tr)
	assert.Equal(t, "execute_transfer", action.Name)
}

func TestCorrectionResetOnly(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	dom := domain.NewDomain([]domain.Slot{{Name: "amount", InitialValue: 1.0}})
	tr := tracker.New("c", dom)
	tr.Update(tracker.SlotSet{Key: "amount", Value: 100.0})

	st := stack.New(stack.NewUserFrame("transfer_money", "1_execute_transfer", stack.FrameTypeRegular))
	st.Push(stack.NewCorrectionFrame(map[string]any{"amount": 50.0}, true, "transfer_money", "0_collect_amount"))
	tr.Update(tracker.StackUpdated(st))

	action := predict(t, e, tr)
	require.Equal(t, stack.PatternCorrectionID, action.Name)
	assert.Equal(t, true, action.Metadata["is_reset_only"])
	// reset-only corrections restore the initial value instead of writing
	// the proposed one
	assert.Equal(t, 1.0, tr.GetSlot("amount"))
}

func TestClarificationAction(t *testing.T) {
	e := New(parseFlows(t, executorCatalog))
	tr := tracker.New("c", nil)
	st := stack.New(stack.NewClarificationFrame([]string{"transfer money", "check balance"}))
	tr.Update(tracker.StackUpdated(st))

	action := predict(t, e, tr)
	assert.Equal(t, stack.PatternClarificationID, action.Name)
	assert.Equal(t, "transfer money or check balance", action.Metadata["clarification_options"])
}
