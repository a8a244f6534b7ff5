package flows

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Flow is a named, statically defined multi-step conversational procedure.
// Flows are loaded once per session and immutable at runtime.
type Flow struct {
	ID          string
	Name        string
	Description string
	Steps       []Step

	byID map[string]int
}

func newFlow(id, name, description string, steps []Step) *Flow {
	f := &Flow{
		ID:          id,
		Name:        name,
		Description: description,
		Steps:       steps,
		byID:        make(map[string]int, len(steps)),
	}
	for i, s := range steps {
		f.byID[s.ID()] = i
	}
	return f
}

// DisplayName returns the human name of the flow, falling back to its id.
func (f *Flow) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.ID
}

// FirstStep returns the first declared step of the flow, or nil for an
// empty flow.
func (f *Flow) FirstStep() Step {
	if len(f.Steps) == 0 {
		return nil
	}
	return f.Steps[0]
}

// StepByID resolves a step id within the flow, including the synthetic
// START, END and continue-marker ids.
func (f *Flow) StepByID(stepID string) (Step, error) {
	switch {
	case stepID == StartStepID:
		firstID := ""
		if first := f.FirstStep(); first != nil {
			firstID = first.ID()
		}
		return NewStartStep(firstID), nil
	case stepID == EndStepID:
		return NewEndStep(), nil
	case strings.HasPrefix(stepID, ContinueStepPrefix):
		return NewContinueStep(strings.TrimPrefix(stepID, ContinueStepPrefix)), nil
	}
	idx, ok := f.byID[stepID]
	if !ok {
		return nil, fmt.Errorf("flow %q: %w: %q", f.ID, ErrStepNotFound, stepID)
	}
	return f.Steps[idx], nil
}

// CollectSteps returns all collect steps of the flow in declaration order.
func (f *Flow) CollectSteps() []*CollectStep {
	var collects []*CollectStep
	for _, s := range f.Steps {
		if c, ok := s.(*CollectStep); ok {
			collects = append(collects, c)
		}
	}
	return collects
}

// PreviousCollectSteps returns the collect steps declared before the given
// step id, in declaration order. Continue-marker ids resolve to the step
// they target; the END id counts as "after everything", so every collect
// step is returned for it.
func (f *Flow) PreviousCollectSteps(beforeStepID string) []*CollectStep {
	beforeStepID = strings.TrimPrefix(beforeStepID, ContinueStepPrefix)
	limit := len(f.Steps)
	if idx, ok := f.byID[beforeStepID]; ok {
		limit = idx
	} else if beforeStepID == StartStepID {
		limit = 0
	}

	var collects []*CollectStep
	for _, s := range f.Steps[:limit] {
		if c, ok := s.(*CollectStep); ok {
			collects = append(collects, c)
		}
	}
	return collects
}

// Trigger reports whether the flow can be auto-started from a user message,
// returning its trigger step if so.
func (f *Flow) Trigger() (*UserMessageStep, bool) {
	trigger, ok := f.FirstStep().(*UserMessageStep)
	return trigger, ok
}

func (f *Flow) asConfig() map[string]any {
	steps := make([]any, 0, len(f.Steps))
	for _, s := range f.Steps {
		steps = append(steps, s.asConfig())
	}
	config := map[string]any{"steps": steps}
	if f.Name != "" {
		config["name"] = f.Name
	}
	if f.Description != "" {
		config["description"] = f.Description
	}
	return config
}

// Fingerprint is a stable hash over the flow's structural definition. It is
// used to detect definition changes across turns, not for security.
func (f *Flow) Fingerprint() string {
	// encoding/json sorts map keys, so the dump is canonical; step order is
	// preserved through the list, making the hash order-sensitive.
	data, err := json.Marshal(f.asConfig())
	if err != nil {
		// The config dump is built from plain maps, slices and scalars;
		// a marshal failure means a definition holds an unserializable
		// metadata value, which the loader should have rejected.
		panic(fmt.Sprintf("flow %q: fingerprint dump failed: %v", f.ID, err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TriggerCandidate pairs a flow with its trigger step.
type TriggerCandidate struct {
	Flow    *Flow
	Trigger *UserMessageStep
}

// FlowList is the catalog of all configured flows, queryable by id.
type FlowList struct {
	flows []*Flow
	byID  map[string]*Flow
}

// NewFlowList builds a catalog from the given flows. Declaration order is
// preserved; it determines auto-start precedence.
func NewFlowList(flows ...*Flow) *FlowList {
	list := &FlowList{
		flows: flows,
		byID:  make(map[string]*Flow, len(flows)),
	}
	for _, f := range flows {
		list.byID[f.ID] = f
	}
	return list
}

// Underlying returns the flows in declaration order.
func (l *FlowList) Underlying() []*Flow {
	if l == nil {
		return nil
	}
	return l.flows
}

// FlowByID resolves a flow id.
func (l *FlowList) FlowByID(id string) (*Flow, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: %q", ErrFlowNotFound, id)
	}
	f, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFlowNotFound, id)
	}
	return f, nil
}

// TriggerCandidates returns the flows whose entry condition may fire,
// paired with their trigger steps, in declaration order.
func (l *FlowList) TriggerCandidates() []TriggerCandidate {
	var candidates []TriggerCandidate
	for _, f := range l.Underlying() {
		if trigger, ok := f.Trigger(); ok {
			candidates = append(candidates, TriggerCandidate{Flow: f, Trigger: trigger})
		}
	}
	return candidates
}

// Fingerprints returns the id → fingerprint map for every flow in the
// catalog.
func (l *FlowList) Fingerprints() map[string]string {
	prints := make(map[string]string, len(l.Underlying()))
	for _, f := range l.Underlying() {
		prints[f.ID] = f.Fingerprint()
	}
	return prints
}
