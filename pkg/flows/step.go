package flows

import (
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
)

// Reserved step ids that exist in every flow without being declared.
const (
	StartStepID = "START"
	EndStepID   = "END"

	// ContinueStepPrefix marks a synthetic step that re-enters the step it
	// points at. The executor only runs a step's logic when transitioning to
	// it, so re-running (or fast-forwarding to) a step requires linking to it
	// again through a continue step.
	ContinueStepPrefix = "NEXT:"
)

// ContinueStepID returns the id of the synthetic continue step for stepID.
func ContinueStepID(stepID string) string {
	return ContinueStepPrefix + stepID
}

// Step is one node in a flow's execution graph. The variant set is closed:
// ActionStep, UserMessageStep, CollectStep, LinkStep, SetSlotsStep,
// GenerateStep, BranchStep plus the internal StartStep, EndStep and
// ContinueStep. Operations over steps switch on the concrete type and treat
// an unknown variant as a definition error.
type Step interface {
	// ID is the stable step id, either declared or synthesized from the
	// step's position and kind at load time.
	ID() string

	// Links are the step's outgoing edges.
	Links() []Link

	asConfig() map[string]any
	defaultIDSuffix() string
}

// StepCore carries the fields shared by every step variant.
type StepCore struct {
	id          string
	Index       int
	Description string
	Metadata    map[string]any
	Next        []Link
}

func (c *StepCore) ID() string { return c.id }

func (c *StepCore) Links() []Link { return c.Next }

func (c *StepCore) coreConfig() map[string]any {
	config := map[string]any{"id": c.id}
	if next := linksAsConfig(c.Next); next != nil {
		config["next"] = next
	}
	if c.Description != "" {
		config["description"] = c.Description
	}
	if len(c.Metadata) > 0 {
		config["metadata"] = c.Metadata
	}
	return config
}

// ActionStep runs a named action verbatim.
type ActionStep struct {
	StepCore
	Action string
}

func (s *ActionStep) defaultIDSuffix() string { return s.Action }

func (s *ActionStep) asConfig() map[string]any {
	config := s.coreConfig()
	config["action"] = s.Action
	return config
}

// TriggerCondition is one intent/entity combination that can start a flow.
type TriggerCondition struct {
	Intent   string
	Entities []string
}

// IsTriggered reports whether the condition matches the given intent and
// extracted entity types. An empty entity list matches any message with the
// right intent.
func (t TriggerCondition) IsTriggered(intent string, entities []string) bool {
	if t.Intent != intent {
		return false
	}
	for _, required := range t.Entities {
		found := false
		for _, e := range entities {
			if e == required {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// UserMessageStep is a trigger step: a flow whose first step is a
// UserMessageStep can be auto-started by a matching user message.
type UserMessageStep struct {
	StepCore
	Triggers []TriggerCondition
}

func (s *UserMessageStep) defaultIDSuffix() string { return "intent" }

func (s *UserMessageStep) asConfig() map[string]any {
	config := s.coreConfig()
	switch len(s.Triggers) {
	case 0:
	case 1:
		config["intent"] = s.Triggers[0].Intent
		if len(s.Triggers[0].Entities) > 0 {
			config["entities"] = s.Triggers[0].Entities
		}
	default:
		or := make([]any, 0, len(s.Triggers))
		for _, t := range s.Triggers {
			or = append(or, map[string]any{"intent": t.Intent, "entities": t.Entities})
		}
		config["or"] = or
	}
	return config
}

// IsTriggered reports whether any trigger condition matches the message.
func (s *UserMessageStep) IsTriggered(msg *domain.Message) bool {
	if msg == nil {
		return false
	}
	entities := msg.EntityTypes()
	for _, t := range s.Triggers {
		if t.IsTriggered(msg.Intent.Name, entities) {
			return true
		}
	}
	return false
}

// SlotRejection validates a freshly collected slot value: when the predicate
// matches, the value is rejected and the utterance is played instead.
type SlotRejection struct {
	If    string
	Utter string
}

// CollectStep pauses the flow until a named slot is filled.
type CollectStep struct {
	StepCore
	Collect            string
	Utter              string
	AskBeforeFilling   bool
	ResetAfterFlowEnds bool
	Rejections         []SlotRejection
}

func (s *CollectStep) defaultIDSuffix() string { return "collect_" + s.Collect }

func (s *CollectStep) asConfig() map[string]any {
	config := s.coreConfig()
	config["collect"] = s.Collect
	config["utter"] = s.Utter
	config["ask_before_filling"] = s.AskBeforeFilling
	config["reset_after_flow_ends"] = s.ResetAfterFlowEnds
	if len(s.Rejections) > 0 {
		rejections := make([]any, 0, len(s.Rejections))
		for _, r := range s.Rejections {
			rejections = append(rejections, map[string]any{"if": r.If, "utter": r.Utter})
		}
		config["rejections"] = rejections
	}
	return config
}

// LinkStep suspends the current flow and starts another one.
type LinkStep struct {
	StepCore
	TargetFlow string
}

func (s *LinkStep) defaultIDSuffix() string { return "link_" + s.TargetFlow }

func (s *LinkStep) asConfig() map[string]any {
	config := s.coreConfig()
	config["link"] = s.TargetFlow
	return config
}

// SlotValue is one key/value pair applied by a SetSlotsStep.
type SlotValue struct {
	Key   string
	Value any
}

// SetSlotsStep writes slot values without producing an action.
type SetSlotsStep struct {
	StepCore
	Slots []SlotValue
}

func (s *SetSlotsStep) defaultIDSuffix() string { return "set_slots" }

func (s *SetSlotsStep) asConfig() map[string]any {
	config := s.coreConfig()
	slots := make([]any, 0, len(s.Slots))
	for _, sv := range s.Slots {
		slots = append(slots, map[string]any{sv.Key: sv.Value})
	}
	config["set_slots"] = slots
	return config
}

// GenerateStep renders a prompt template and sends the generated text.
type GenerateStep struct {
	StepCore
	Prompt string
}

func (s *GenerateStep) defaultIDSuffix() string { return "generate" }

func (s *GenerateStep) asConfig() map[string]any {
	config := s.coreConfig()
	config["generation_prompt"] = s.Prompt
	return config
}

// BranchStep is pure routing: it produces no action and exists only to hold
// conditional links.
type BranchStep struct {
	StepCore
}

func (s *BranchStep) defaultIDSuffix() string { return "branch" }

func (s *BranchStep) asConfig() map[string]any { return s.coreConfig() }

// internalStep marks the synthetic lifecycle steps that are never declared
// by users and never dumped.
type internalStep struct {
	StepCore
}

func (s *internalStep) defaultIDSuffix() string { return "internal" }

func (s *internalStep) asConfig() map[string]any {
	panic(fmt.Sprintf("internal step %q cannot be dumped", s.id))
}

// StartStep is the synthetic entry point of a flow.
type StartStep struct {
	internalStep
}

// NewStartStep creates the start step linking to firstStepID, or to nothing
// for an empty flow.
func NewStartStep(firstStepID string) *StartStep {
	var links []Link
	if firstStepID != "" {
		links = []Link{StaticLink{TargetID: firstStepID}}
	}
	step := &StartStep{}
	step.id = StartStepID
	step.Next = links
	return step
}

// EndStep is the synthetic exit point of a flow.
type EndStep struct {
	internalStep
}

// NewEndStep creates the end step. It has no outgoing links.
func NewEndStep() *EndStep {
	step := &EndStep{}
	step.id = EndStepID
	return step
}

// ContinueStep re-enters the step it targets so its logic runs again.
type ContinueStep struct {
	internalStep
}

// NewContinueStep creates a continue step targeting stepID.
func NewContinueStep(stepID string) *ContinueStep {
	step := &ContinueStep{}
	step.id = ContinueStepID(stepID)
	step.Next = []Link{StaticLink{TargetID: stepID}}
	return step
}
