package espalier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/espalier/internal/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/executor"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/stack"
)

const engineCatalog = `
flows:
  transfer_money:
    name: transfer money
    steps:
      - intent: transfer_money
      - collect: recipient
      - collect: amount
        rejections:
          - if: "amount <= 0"
            utter: utter_invalid_amount
      - action: execute_transfer
`

func engineDomain() *domain.Domain {
	return domain.NewDomain([]domain.Slot{
		{Name: "recipient", Type: domain.SlotTypeText},
		{Name: "amount", Type: domain.SlotTypeFloat},
	})
}

func actionNames(turn *Turn) []string {
	names := make([]string, 0, len(turn.Actions))
	for _, a := range turn.Actions {
		names = append(names, a.Name)
	}
	return names
}

func TestNewRejectsInvalidCatalog(t *testing.T) {
	_, err := New([]byte("flows:\n  broken:\n    steps: []\n"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flow catalog")
}

func TestProcessTurnFullConversation(t *testing.T) {
	eng, err := New([]byte(engineCatalog), engineDomain())
	require.NoError(t, err)
	ctx := context.Background()

	// turn 1: the intent triggers the flow, which asks its first question
	turn, err := eng.ProcessTurn(ctx, "conv", &domain.Message{
		Text:   "I want to send money",
		Intent: domain.Intent{Name: "transfer_money"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"flow_transfer_money", "question_recipient"}, actionNames(turn))

	// turn 2: the answer fills the slot and the next question follows
	turn, err = eng.ProcessTurn(ctx, "conv", &domain.Message{
		Text:     "to Joe",
		Commands: []map[string]any{{"command": "set_slot", "name": "recipient", "value": "joe"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"question_amount"}, actionNames(turn))

	// turn 3: the final answer completes the flow
	turn, err = eng.ProcessTurn(ctx, "conv", &domain.Message{
		Text:     "50 euro",
		Commands: []map[string]any{{"command": "set_slot", "name": "amount", "value": 50.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"execute_transfer", stack.PatternCompletedID}, actionNames(turn))
	assert.Equal(t, stack.PatternCompletedID, turn.LastAction().Name)
}

func TestProcessTurnListenWithoutCommands(t *testing.T) {
	eng, err := New([]byte(engineCatalog), engineDomain())
	require.NoError(t, err)

	turn, err := eng.ProcessTurn(context.Background(), "idle", &domain.Message{Text: "hello"})
	require.NoError(t, err)
	assert.Empty(t, turn.Actions)
	assert.Nil(t, turn.LastAction())
}

func TestProcessTurnRejectedSlotValue(t *testing.T) {
	eng, err := New([]byte(engineCatalog), engineDomain())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = eng.ProcessTurn(ctx, "conv", &domain.Message{
		Commands: []map[string]any{
			{"command": "start_flow", "flow": "transfer_money"},
			{"command": "set_slot", "name": "recipient", "value": "joe"},
		},
	})
	require.NoError(t, err)

	turn, err := eng.ProcessTurn(ctx, "conv", &domain.Message{
		Commands: []map[string]any{{"command": "set_slot", "name": "amount", "value": -1.0}},
	})
	require.NoError(t, err)
	// the invalid answer is refused and the question repeats
	assert.Equal(t, []string{"utter_invalid_amount", "question_amount"}, actionNames(turn))
}

func TestProcessTurnCancellation(t *testing.T) {
	eng, err := New([]byte(engineCatalog), engineDomain())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = eng.ProcessTurn(ctx, "conv", &domain.Message{
		Intent: domain.Intent{Name: "transfer_money"},
	})
	require.NoError(t, err)

	turn, err := eng.ProcessTurn(ctx, "conv", &domain.Message{
		Text:   "forget it",
		Intent: domain.Intent{Name: executor.CancelIntent},
	})
	require.NoError(t, err)
	require.NotEmpty(t, turn.Actions)
	assert.Equal(t, stack.PatternCancelID, turn.Actions[0].Name)
	assert.Equal(t, "transfer money", turn.Actions[0].Metadata["cancelled_flow_name"])
}

func TestProcessTurnPersistsAcrossEngines(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	eng, err := New([]byte(engineCatalog), engineDomain(), WithStore(store))
	require.NoError(t, err)
	_, err = eng.ProcessTurn(ctx, "durable", &domain.Message{
		Intent: domain.Intent{Name: "transfer_money"},
	})
	require.NoError(t, err)

	// a second engine over the same store resumes mid-question
	restarted, err := New([]byte(engineCatalog), engineDomain(), WithStore(store))
	require.NoError(t, err)
	turn, err := restarted.ProcessTurn(ctx, "durable", &domain.Message{
		Commands: []map[string]any{{"command": "set_slot", "name": "recipient", "value": "ann"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"question_amount"}, actionNames(turn))
}

func TestProcessTurnFlowRestartWithUpfrontAnswer(t *testing.T) {
	catalog := `
flows:
  top_up:
    steps:
      - collect: amount
      - action: execute_top_up
`
	eng, err := New([]byte(catalog), domain.NewDomain([]domain.Slot{
		{Name: "amount", Type: domain.SlotTypeFloat},
	}))
	require.NoError(t, err)
	ctx := context.Background()

	turn, err := eng.ProcessTurn(ctx, "conv", &domain.Message{
		Commands: []map[string]any{
			{"command": "start_flow", "flow": "top_up"},
			{"command": "set_slot", "name": "amount", "value": 50.0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"execute_top_up", stack.PatternCompletedID}, actionNames(turn))

	// the flow ended and reset its slot; starting it again with the answer
	// in the same message is a fresh fill, not a correction, so the flow
	// runs straight through instead of re-asking the question
	turn, err = eng.ProcessTurn(ctx, "conv", &domain.Message{
		Commands: []map[string]any{
			{"command": "start_flow", "flow": "top_up"},
			{"command": "set_slot", "name": "amount", "value": 70.0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"execute_top_up", stack.PatternCompletedID}, actionNames(turn))
}

func TestProcessTurnCorrection(t *testing.T) {
	eng, err := New([]byte(engineCatalog), engineDomain())
	require.NoError(t, err)
	ctx := context.Background()

	// the flow is waiting for the amount question when recipient arrives
	_, err = eng.ProcessTurn(ctx, "conv", &domain.Message{
		Commands: []map[string]any{
			{"command": "start_flow", "flow": "transfer_money"},
			{"command": "set_slot", "name": "recipient", "value": "joe"},
		},
	})
	require.NoError(t, err)

	// a new value for the already-answered recipient becomes a correction
	turn, err := eng.ProcessTurn(ctx, "conv", &domain.Message{
		Text:     "actually send it to Ann",
		Commands: []map[string]any{{"command": "set_slot", "name": "recipient", "value": "ann"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, turn.Actions)
	assert.Equal(t, stack.PatternCorrectionID, turn.Actions[0].Name)
	assert.Equal(t, map[string]any{"recipient": "ann"}, turn.Actions[0].Metadata["corrected_slots"])
}

func TestProcessTurnRepeatedValueIsNotACorrection(t *testing.T) {
	catalog := `
flows:
  book_trip:
    steps:
      - collect: destination
      - collect: seats
      - collect: comments
      - action: confirm_booking
`
	eng, err := New([]byte(catalog), domain.NewDomain([]domain.Slot{
		{Name: "destination", Type: domain.SlotTypeText},
		{Name: "seats", Type: domain.SlotTypeFloat},
		{Name: "comments", Type: domain.SlotTypeText},
	}))
	require.NoError(t, err)
	ctx := context.Background()

	turn, err := eng.ProcessTurn(ctx, "conv", &domain.Message{
		Commands: []map[string]any{
			{"command": "start_flow", "flow": "book_trip"},
			{"command": "set_slot", "name": "destination", "value": "rome"},
			{"command": "set_slot", "name": "seats", "value": 2.0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"question_comments"}, actionNames(turn))

	// repeating the current value changes nothing, so the pending question
	// simply repeats without a correction pattern
	turn, err = eng.ProcessTurn(ctx, "conv", &domain.Message{
		Commands: []map[string]any{{"command": "set_slot", "name": "seats", "value": 2.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"question_comments"}, actionNames(turn))

	// an actually different value still triggers the correction pattern
	turn, err = eng.ProcessTurn(ctx, "conv", &domain.Message{
		Commands: []map[string]any{{"command": "set_slot", "name": "seats", "value": 3.0}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, turn.Actions)
	assert.Equal(t, stack.PatternCorrectionID, turn.Actions[0].Name)
}

func TestProcessTurnMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	eng, err := New([]byte(engineCatalog), engineDomain(), WithMetrics(metrics))
	require.NoError(t, err)

	_, err = eng.ProcessTurn(context.Background(), "conv", &domain.Message{
		Commands: []map[string]any{{"command": "start_flow", "flow": "transfer_money"}},
	})
	require.NoError(t, err)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found["espalier_turns_total"])
	assert.True(t, found["espalier_commands_total"])
}

func TestProcessTurnGeneratorWiring(t *testing.T) {
	catalog := `
flows:
  summary:
    steps:
      - generation_prompt: "Summarize: {{.Message}}"
`
	gen := ports.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "All good.", nil
	})
	eng, err := New([]byte(catalog), nil, WithGenerator(gen))
	require.NoError(t, err)

	turn, err := eng.ProcessTurn(context.Background(), "conv", &domain.Message{
		Text:     "how are things",
		Commands: []map[string]any{{"command": "start_flow", "flow": "summary"}},
	})
	require.NoError(t, err)
	names := actionNames(turn)
	require.NotEmpty(t, names)
	assert.Equal(t, executor.ActionSendText, names[0])
	assert.Equal(t, "All good.", turn.Actions[0].Metadata["message"])
}
