// Package tracker maintains the per-conversation state the engine reads and
// mutates during a turn: slot values, the persisted dialogue stack and the
// ordered event log the turn produces.
package tracker

import "github.com/aretw0/espalier/pkg/domain"

// Event is one state mutation applied to a tracker. The closed variant set
// is SlotSet, UserUttered, BotUttered, ActionExecuted and ActiveLoopChanged.
type Event interface {
	isEvent()
}

// SlotSet records a slot receiving a value. Setting a slot to nil resets it.
type SlotSet struct {
	Key   string
	Value any
}

func (SlotSet) isEvent() {}

// UserUttered records the user's parsed message for the turn.
type UserUttered struct {
	Message *domain.Message
}

func (UserUttered) isEvent() {}

// BotUttered records text sent to the user, kept for the transcript used by
// response generation steps.
type BotUttered struct {
	Text string
}

func (BotUttered) isEvent() {}

// ActionExecuted records that a named action ran.
type ActionExecuted struct {
	Name string
}

func (ActionExecuted) isEvent() {}

// ActiveLoopChanged records activation (non-empty name) or deactivation
// (empty name) of a question loop.
type ActiveLoopChanged struct {
	Name string
}

func (ActiveLoopChanged) isEvent() {}
