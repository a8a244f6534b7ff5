// Package executor implements the stack-machine interpreter: it advances the
// topmost active flow step by step until an externally visible action is
// produced or the dialogue stack runs empty.
package executor

import "github.com/aretw0/espalier/pkg/tracker"

// Well-known action names and prefixes.
const (
	// ActionListen is the fallback when no flow has anything to do.
	ActionListen = "action_listen"
	// ActionSendText delivers generated text; the message rides in metadata.
	ActionSendText = "action_send_text"
	// UtterInternalError is played when slot validation itself fails.
	UtterInternalError = "utter_internal_error"
	// FlowPrefix prefixes the action that starts a flow from its trigger.
	FlowPrefix = "flow_"
	// QuestionPrefix prefixes both the collect action and the question loop
	// name for a slot.
	QuestionPrefix = "question_"

	// CancelIntent is the user intent that cancels the active flow.
	CancelIntent = "cancel_flow"
)

// Action is the single next system action selected for a turn. Confidence is
// binary: 1.0 when a concrete action was chosen, 0.0 for the listen fallback.
type Action struct {
	Name       string
	Confidence float64
	Metadata   map[string]any
}

// Prediction is the outcome of one executor run: the chosen action plus the
// ordered state-mutation events accumulated while selecting it.
type Prediction struct {
	Action *Action
	Events []tracker.Event
}

func listenAction() *Action {
	return &Action{Name: ActionListen, Confidence: 0.0}
}
