// Package stack holds the dialogue stack: the ordered list of frames
// representing nested and suspended flow executions.
package stack

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// FrameType describes how a frame relates to the flow beneath it.
type FrameType string

const (
	// FrameTypeRegular is the default for frames pushed on an empty stack or
	// without any special relationship to the frame below.
	FrameTypeRegular FrameType = "regular"
	// FrameTypeLink marks a flow started by a link step of the flow below.
	FrameTypeLink FrameType = "link"
	// FrameTypeInterrupt marks a flow that interrupted the flow below.
	FrameTypeInterrupt FrameType = "interrupt"
	// FrameTypeResume marks a flow resumed after an interruption.
	FrameTypeResume FrameType = "resume"
	// FrameTypeCorrection marks a frame rewinding the flow below.
	FrameTypeCorrection FrameType = "correction"
	// FrameTypeCall marks a flow invoked as a subroutine of the flow below.
	FrameTypeCall FrameType = "call"
)

// Synthetic flow ids for the built-in conversation repair patterns.
const (
	PatternCorrectionID          = "pattern_correction"
	PatternCollectInformationID  = "pattern_collect_information"
	PatternContinueInterruptedID = "pattern_continue_interrupted"
	PatternClarificationID       = "pattern_clarification"
	PatternCompletedID           = "pattern_completed"
	PatternCancelID              = "pattern_cancel_flow"
	PatternChitchatID            = "pattern_chitchat"
	PatternSearchID              = "pattern_search"
	PatternCodeChangeID          = "pattern_code_change"
)

// Frame is one activation record on the dialogue stack. The variant set is
// closed: UserFrame plus the pattern frames defined in this package.
type Frame interface {
	// FrameID uniquely identifies this frame instance. It is generated at
	// creation and never regenerated, so a frame can be re-identified
	// across cleanup passes.
	FrameID() string

	// FlowID is the id of the flow this frame executes.
	FlowID() string

	// StepID is the id of the step the frame currently points at.
	StepID() string

	// SetStepID moves the frame's step pointer in place.
	SetStepID(stepID string)

	// Type is the frame's role tag.
	Type() FrameType

	// AsRecord serializes the frame to a tagged record.
	AsRecord() map[string]any
}

// BaseFrame carries the fields common to every frame variant.
type BaseFrame struct {
	ID        string    `mapstructure:"frame_id"`
	Step      string    `mapstructure:"step_id"`
	FrameType FrameType `mapstructure:"frame_type"`
}

func (b *BaseFrame) FrameID() string { return b.ID }

func (b *BaseFrame) StepID() string { return b.Step }

func (b *BaseFrame) SetStepID(stepID string) { b.Step = stepID }

func (b *BaseFrame) Type() FrameType { return b.FrameType }

func newBase(stepID string, typ FrameType) BaseFrame {
	if typ == "" {
		typ = FrameTypeRegular
	}
	return BaseFrame{ID: uuid.NewString(), Step: stepID, FrameType: typ}
}

// UserFrame executes a user-defined flow.
type UserFrame struct {
	BaseFrame `mapstructure:",squash"`
	Flow      string `mapstructure:"flow_id"`
}

// NewUserFrame creates a frame for flowID starting at stepID.
func NewUserFrame(flowID, stepID string, typ FrameType) *UserFrame {
	return &UserFrame{BaseFrame: newBase(stepID, typ), Flow: flowID}
}

func (f *UserFrame) FlowID() string { return f.Flow }

func (f *UserFrame) AsRecord() map[string]any { return encodeFrame("user", f) }

// CorrectionFrame rewinds a flow to an earlier question when previously
// answered information changes.
type CorrectionFrame struct {
	BaseFrame      `mapstructure:",squash"`
	CorrectedSlots map[string]any `mapstructure:"corrected_slots"`
	IsResetOnly    bool           `mapstructure:"is_reset_only"`
	ResetFlowID    string         `mapstructure:"reset_flow_id"`
	ResetStepID    string         `mapstructure:"reset_step_id"`
}

// NewCorrectionFrame creates a correction pattern frame.
func NewCorrectionFrame(corrected map[string]any, isResetOnly bool, resetFlowID, resetStepID string) *CorrectionFrame {
	return &CorrectionFrame{
		BaseFrame:      newBase(StartStep, FrameTypeCorrection),
		CorrectedSlots: corrected,
		IsResetOnly:    isResetOnly,
		ResetFlowID:    resetFlowID,
		ResetStepID:    resetStepID,
	}
}

func (f *CorrectionFrame) FlowID() string { return PatternCorrectionID }

func (f *CorrectionFrame) AsRecord() map[string]any { return encodeFrame(PatternCorrectionID, f) }

// CollectInformationFrame runs the question/answer sub-dialogue for a
// collect step of the flow below it.
type CollectInformationFrame struct {
	BaseFrame `mapstructure:",squash"`
	Collect   string `mapstructure:"collect"`
	Utter     string `mapstructure:"utter"`
}

// NewCollectInformationFrame creates a collect-information pattern frame.
func NewCollectInformationFrame(collect, utter string) *CollectInformationFrame {
	return &CollectInformationFrame{BaseFrame: newBase(StartStep, FrameTypeRegular), Collect: collect, Utter: utter}
}

func (f *CollectInformationFrame) FlowID() string { return PatternCollectInformationID }

func (f *CollectInformationFrame) AsRecord() map[string]any {
	return encodeFrame(PatternCollectInformationID, f)
}

// ContinueInterruptedFrame announces that an interrupted flow is resumed.
type ContinueInterruptedFrame struct {
	BaseFrame        `mapstructure:",squash"`
	PreviousFlowName string `mapstructure:"previous_flow_name"`
}

// NewContinueInterruptedFrame creates a continue-interrupted pattern frame.
func NewContinueInterruptedFrame(previousFlowName string) *ContinueInterruptedFrame {
	return &ContinueInterruptedFrame{BaseFrame: newBase(StartStep, FrameTypeRegular), PreviousFlowName: previousFlowName}
}

func (f *ContinueInterruptedFrame) FlowID() string { return PatternContinueInterruptedID }

func (f *ContinueInterruptedFrame) AsRecord() map[string]any {
	return encodeFrame(PatternContinueInterruptedID, f)
}

// ClarificationFrame asks the user which of several candidate flows to start.
type ClarificationFrame struct {
	BaseFrame            `mapstructure:",squash"`
	Names                []string `mapstructure:"names"`
	ClarificationOptions string   `mapstructure:"clarification_options"`
}

// NewClarificationFrame creates a clarification pattern frame. The options
// string renders the candidate names as "a, b or c" for direct use in an
// utterance.
func NewClarificationFrame(names []string) *ClarificationFrame {
	return &ClarificationFrame{
		BaseFrame:            newBase(StartStep, FrameTypeRegular),
		Names:                names,
		ClarificationOptions: assembleOptions(names),
	}
}

func assembleOptions(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " or " + names[len(names)-1]
	}
}

func (f *ClarificationFrame) FlowID() string { return PatternClarificationID }

func (f *ClarificationFrame) AsRecord() map[string]any {
	return encodeFrame(PatternClarificationID, f)
}

// CompletedFrame announces that a flow finished.
type CompletedFrame struct {
	BaseFrame        `mapstructure:",squash"`
	PreviousFlowName string `mapstructure:"previous_flow_name"`
}

// NewCompletedFrame creates a completed pattern frame.
func NewCompletedFrame(previousFlowName string) *CompletedFrame {
	return &CompletedFrame{BaseFrame: newBase(StartStep, FrameTypeRegular), PreviousFlowName: previousFlowName}
}

func (f *CompletedFrame) FlowID() string { return PatternCompletedID }

func (f *CompletedFrame) AsRecord() map[string]any { return encodeFrame(PatternCompletedID, f) }

// CancelledFrame announces that a flow was cancelled.
type CancelledFrame struct {
	BaseFrame     `mapstructure:",squash"`
	CancelledName string `mapstructure:"cancelled_name"`
}

// NewCancelledFrame creates a cancelled pattern frame.
func NewCancelledFrame(cancelledName string) *CancelledFrame {
	return &CancelledFrame{BaseFrame: newBase(StartStep, FrameTypeRegular), CancelledName: cancelledName}
}

func (f *CancelledFrame) FlowID() string { return PatternCancelID }

func (f *CancelledFrame) AsRecord() map[string]any { return encodeFrame(PatternCancelID, f) }

// ChitchatFrame handles a free-form small-talk answer.
type ChitchatFrame struct {
	BaseFrame `mapstructure:",squash"`
}

// NewChitchatFrame creates a chitchat pattern frame.
func NewChitchatFrame() *ChitchatFrame {
	return &ChitchatFrame{BaseFrame: newBase(StartStep, FrameTypeRegular)}
}

func (f *ChitchatFrame) FlowID() string { return PatternChitchatID }

func (f *ChitchatFrame) AsRecord() map[string]any { return encodeFrame(PatternChitchatID, f) }

// SearchFrame handles a free-form knowledge answer.
type SearchFrame struct {
	BaseFrame `mapstructure:",squash"`
}

// NewSearchFrame creates a search pattern frame.
func NewSearchFrame() *SearchFrame {
	return &SearchFrame{BaseFrame: newBase(StartStep, FrameTypeRegular)}
}

func (f *SearchFrame) FlowID() string { return PatternSearchID }

func (f *SearchFrame) AsRecord() map[string]any { return encodeFrame(PatternSearchID, f) }

// CodeChangeFrame cleans up the stack after flow definitions changed under
// a running conversation.
type CodeChangeFrame struct {
	BaseFrame `mapstructure:",squash"`
}

// NewCodeChangeFrame creates a code-change pattern frame.
func NewCodeChangeFrame() *CodeChangeFrame {
	return &CodeChangeFrame{BaseFrame: newBase(StartStep, FrameTypeRegular)}
}

func (f *CodeChangeFrame) FlowID() string { return PatternCodeChangeID }

func (f *CodeChangeFrame) AsRecord() map[string]any { return encodeFrame(PatternCodeChangeID, f) }

// StartStep mirrors the flows package constant; duplicated here so the stack
// package does not depend on flow definitions.
const StartStep = "START"

func encodeFrame(tag string, frame any) map[string]any {
	record := map[string]any{}
	if err := mapstructure.Decode(frame, &record); err != nil {
		// frames are plain structs over scalars and maps; this cannot fail
		// with well-formed variants
		panic(fmt.Sprintf("failed to encode %s frame: %v", tag, err))
	}
	record["type"] = tag
	return record
}

// FrameFromRecord decodes a tagged record back into a typed frame.
func FrameFromRecord(record map[string]any) (Frame, error) {
	tag, _ := record["type"].(string)

	var frame Frame
	switch tag {
	case "user":
		frame = &UserFrame{}
	case PatternCorrectionID:
		frame = &CorrectionFrame{}
	case PatternCollectInformationID:
		frame = &CollectInformationFrame{}
	case PatternContinueInterruptedID:
		frame = &ContinueInterruptedFrame{}
	case PatternClarificationID:
		frame = &ClarificationFrame{}
	case PatternCompletedID:
		frame = &CompletedFrame{}
	case PatternCancelID:
		frame = &CancelledFrame{}
	case PatternChitchatID:
		frame = &ChitchatFrame{}
	case PatternSearchID:
		frame = &SearchFrame{}
	case PatternCodeChangeID:
		frame = &CodeChangeFrame{}
	default:
		return nil, fmt.Errorf("unknown frame type %q", tag)
	}

	if err := mapstructure.Decode(record, frame); err != nil {
		return nil, fmt.Errorf("failed to decode %s frame: %w", tag, err)
	}
	return frame, nil
}
