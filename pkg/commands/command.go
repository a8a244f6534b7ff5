// Package commands defines the typed directives derived from a turn's parsed
// input and the normalization pass that runs before they mutate the dialogue
// stack.
package commands

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Tags identifying command variants in their record form.
const (
	StartFlowTag        = "start_flow"
	CancelFlowTag       = "cancel_flow"
	SetSlotTag          = "set_slot"
	CorrectSlotsTag     = "correct_slots"
	ClarifyTag          = "clarify"
	ChitchatTag         = "chitchat"
	KnowledgeTag        = "knowledge"
	HandleCodeChangeTag = "handle_code_change"
)

// Command is one directive extracted from user input. Commands are transient;
// only their effects on the stack and slots are persisted.
type Command interface {
	// Tag returns the variant tag used in the record form.
	Tag() string
	// AsRecord returns the serializable tagged form of the command.
	AsRecord() map[string]any
}

// FreeFormAnswer marks commands answered outside any flow (chitchat and
// knowledge answers). Cleanup moves them to the front of the command list.
type FreeFormAnswer interface {
	Command
	isFreeFormAnswer()
}

// StartFlow requests that the named flow be pushed onto the stack.
type StartFlow struct {
	Flow string `mapstructure:"flow"`
}

func (c StartFlow) Tag() string { return StartFlowTag }

func (c StartFlow) AsRecord() map[string]any {
	return map[string]any{"command": StartFlowTag, "flow": c.Flow}
}

// CancelFlow requests cancellation of the currently active flow.
type CancelFlow struct{}

func (CancelFlow) Tag() string { return CancelFlowTag }

func (CancelFlow) AsRecord() map[string]any {
	return map[string]any{"command": CancelFlowTag}
}

// SetSlot fills a slot with a value extracted from the latest message.
type SetSlot struct {
	Name  string `mapstructure:"name"`
	Value any    `mapstructure:"value"`
}

func (c SetSlot) Tag() string { return SetSlotTag }

func (c SetSlot) AsRecord() map[string]any {
	return map[string]any{"command": SetSlotTag, "name": c.Name, "value": c.Value}
}

// CorrectedSlot is one proposed slot revision inside a CorrectSlots command.
type CorrectedSlot struct {
	Name  string `mapstructure:"name"`
	Value any    `mapstructure:"value"`
}

// CorrectSlots revises slots that were already filled earlier in the
// conversation. See Apply for the rewind semantics.
type CorrectSlots struct {
	Corrections []CorrectedSlot `mapstructure:"corrected_slots"`
}

func (c CorrectSlots) Tag() string { return CorrectSlotsTag }

func (c CorrectSlots) AsRecord() map[string]any {
	corrected := make([]map[string]any, 0, len(c.Corrections))
	for _, cs := range c.Corrections {
		corrected = append(corrected, map[string]any{"name": cs.Name, "value": cs.Value})
	}
	return map[string]any{"command": CorrectSlotsTag, "corrected_slots": corrected}
}

// SlotNames returns the names of all proposed corrections.
func (c CorrectSlots) SlotNames() []string {
	names := make([]string, 0, len(c.Corrections))
	for _, cs := range c.Corrections {
		names = append(names, cs.Name)
	}
	return names
}

// Clarify asks the user to disambiguate between several candidate flows.
type Clarify struct {
	Options []string `mapstructure:"options"`
}

func (c Clarify) Tag() string { return ClarifyTag }

func (c Clarify) AsRecord() map[string]any {
	return map[string]any{"command": ClarifyTag, "options": c.Options}
}

// ChitchatAnswer requests a free-form conversational reply.
type ChitchatAnswer struct{}

func (ChitchatAnswer) Tag() string { return ChitchatTag }

func (ChitchatAnswer) AsRecord() map[string]any {
	return map[string]any{"command": ChitchatTag}
}

func (ChitchatAnswer) isFreeFormAnswer() {}

// KnowledgeAnswer requests a free-form answer grounded in a knowledge source.
type KnowledgeAnswer struct{}

func (KnowledgeAnswer) Tag() string { return KnowledgeTag }

func (KnowledgeAnswer) AsRecord() map[string]any {
	return map[string]any{"command": KnowledgeTag}
}

func (KnowledgeAnswer) isFreeFormAnswer() {}

// HandleCodeChange signals that flow definitions changed underneath the
// in-flight stack. It replaces the whole command list for the turn.
type HandleCodeChange struct{}

func (HandleCodeChange) Tag() string { return HandleCodeChangeTag }

func (HandleCodeChange) AsRecord() map[string]any {
	return map[string]any{"command": HandleCodeChangeTag}
}

// FromRecord decodes a tagged command record back into its variant.
func FromRecord(record map[string]any) (Command, error) {
	tag, _ := record["command"].(string)
	switch tag {
	case StartFlowTag:
		var c StartFlow
		return c, decode(record, &c)
	case CancelFlowTag:
		return CancelFlow{}, nil
	case SetSlotTag:
		var c SetSlot
		return c, decode(record, &c)
	case CorrectSlotsTag:
		var c CorrectSlots
		return c, decode(record, &c)
	case ClarifyTag:
		var c Clarify
		return c, decode(record, &c)
	case ChitchatTag:
		return ChitchatAnswer{}, nil
	case KnowledgeTag:
		return KnowledgeAnswer{}, nil
	case HandleCodeChangeTag:
		return HandleCodeChange{}, nil
	default:
		return nil, fmt.Errorf("commands: unknown command tag %q", tag)
	}
}

func decode(record map[string]any, out any) error {
	if err := mapstructure.Decode(record, out); err != nil {
		return fmt.Errorf("commands: decoding %q record: %w", record["command"], err)
	}
	return nil
}

// FromRecords decodes an ordered list of command records, preserving order.
func FromRecords(records []map[string]any) ([]Command, error) {
	out := make([]Command, 0, len(records))
	for _, rec := range records {
		cmd, err := FromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, nil
}
