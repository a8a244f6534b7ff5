package tracker

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/stack"
)

// Reserved slot names the engine persists engine state under. They behave
// like ordinary slots on the wire so a single store round-trips everything.
const (
	// StackSlot holds the serialized dialogue stack as a list of records.
	StackSlot = "dialogue_stack"
	// FingerprintsSlot holds the flow id to fingerprint map captured when
	// each flow was pushed.
	FingerprintsSlot = "flow_fingerprints"
)

// internalSlot reports whether name is engine bookkeeping rather than a
// conversational slot.
func internalSlot(name string) bool {
	return name == StackSlot || name == FingerprintsSlot
}

// Tracker is the mutable state of one conversation. It is not safe for
// concurrent use; the session manager serializes access per conversation id.
type Tracker struct {
	conversationID string
	domain         *domain.Domain

	slots        map[string]any
	filled       map[string]bool
	latestMsg    *domain.Message
	latestAction string
	activeLoop   string
	transcript   []transcriptLine

	events []Event
}

type transcriptLine struct {
	speaker string
	text    string
}

// New returns a tracker for the given conversation with every declared slot
// at its initial value.
func New(conversationID string, dom *domain.Domain) *Tracker {
	t := &Tracker{
		conversationID: conversationID,
		domain:         dom,
		slots:          map[string]any{},
		filled:         map[string]bool{},
	}
	if dom != nil {
		for _, s := range dom.Slots {
			if s.InitialValue != nil {
				t.slots[s.Name] = s.InitialValue
			}
		}
	}
	return t
}

// ConversationID returns the id this tracker belongs to.
func (t *Tracker) ConversationID() string { return t.conversationID }

// Domain returns the slot declarations backing this tracker.
func (t *Tracker) Domain() *domain.Domain { return t.domain }

// Update applies events in order and appends them to the pending event log.
func (t *Tracker) Update(events ...Event) {
	for _, ev := range events {
		t.apply(ev)
		t.events = append(t.events, ev)
	}
}

func (t *Tracker) apply(ev Event) {
	switch e := ev.(type) {
	case SlotSet:
		if e.Value == nil {
			delete(t.slots, e.Key)
		} else {
			t.slots[e.Key] = e.Value
		}
		if !internalSlot(e.Key) && e.Value != nil {
			t.filled[e.Key] = true
		}
	case UserUttered:
		t.latestMsg = e.Message
		if e.Message != nil {
			t.transcript = append(t.transcript, transcriptLine{speaker: "USER", text: e.Message.Text})
		}
	case BotUttered:
		t.transcript = append(t.transcript, transcriptLine{speaker: "AI", text: e.Text})
	case ActionExecuted:
		t.latestAction = e.Name
	case ActiveLoopChanged:
		t.activeLoop = e.Name
	}
}

// Events returns the events applied since this tracker was created or copied.
func (t *Tracker) Events() []Event { return t.events }

// Copy returns a deep copy of the tracker state with an empty event log, so
// callers can run speculative updates and read back only the delta.
func (t *Tracker) Copy() *Tracker {
	cp := &Tracker{
		conversationID: t.conversationID,
		domain:         t.domain,
		slots:          make(map[string]any, len(t.slots)),
		filled:         make(map[string]bool, len(t.filled)),
		latestMsg:      t.latestMsg,
		latestAction:   t.latestAction,
		activeLoop:     t.activeLoop,
		transcript:     append([]transcriptLine(nil), t.transcript...),
	}
	for k, v := range t.slots {
		cp.slots[k] = v
	}
	for k, v := range t.filled {
		cp.filled[k] = v
	}
	return cp
}

// GetSlot returns the current value of a slot, or nil when unset.
func (t *Tracker) GetSlot(name string) any { return t.slots[name] }

// HasSlot reports whether the slot currently holds a non-nil value.
func (t *Tracker) HasSlot(name string) bool {
	_, ok := t.slots[name]
	return ok
}

// SlotValues returns a copy of the conversational slot assignment, excluding
// engine bookkeeping slots.
func (t *Tracker) SlotValues() map[string]any {
	out := make(map[string]any, len(t.slots))
	for k, v := range t.slots {
		if internalSlot(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// FilledSlots returns the names of slots that actually received a value at
// some point in the conversation, regardless of later resets.
func (t *Tracker) FilledSlots() map[string]bool {
	out := make(map[string]bool, len(t.filled))
	for k := range t.filled {
		out[k] = true
	}
	return out
}

// LatestMessage returns the most recent user message, or nil before the
// first turn.
func (t *Tracker) LatestMessage() *domain.Message { return t.latestMsg }

// LatestActionName returns the name of the last executed action.
func (t *Tracker) LatestActionName() string { return t.latestAction }

// ActiveLoop returns the active question loop name, or "" when none is
// active.
func (t *Tracker) ActiveLoop() string { return t.activeLoop }

// slotSetsAfterLatestMessage returns the SlotSet events applied since the
// most recent UserUttered event, oldest first.
func (t *Tracker) slotSetsAfterLatestMessage() []SlotSet {
	var out []SlotSet
	for _, ev := range t.events {
		switch e := ev.(type) {
		case UserUttered:
			out = nil
		case SlotSet:
			if !internalSlot(e.Key) {
				out = append(out, e)
			}
		}
	}
	return out
}

// Stack decodes the dialogue stack persisted in the stack slot. A missing or
// nil slot yields an empty stack.
func (t *Tracker) Stack() (*stack.Stack, error) {
	raw, ok := t.slots[StackSlot]
	if !ok || raw == nil {
		return stack.New(), nil
	}
	records, err := asRecords(raw)
	if err != nil {
		return nil, err
	}
	return stack.FromRecords(records)
}

// StackUpdated returns the event that persists the given stack state.
func StackUpdated(s *stack.Stack) Event {
	return SlotSet{Key: StackSlot, Value: s.AsRecords()}
}

// Fingerprints decodes the flow fingerprint map captured at flow start time.
func (t *Tracker) Fingerprints() map[string]string {
	raw, ok := t.slots[FingerprintsSlot]
	if !ok || raw == nil {
		return map[string]string{}
	}
	out := map[string]string{}
	switch m := raw.(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// FingerprintsUpdated returns the event that persists the fingerprint map.
func FingerprintsUpdated(fps map[string]string) Event {
	return SlotSet{Key: FingerprintsSlot, Value: fps}
}

// Transcript renders the most recent turns as alternating USER/AI lines for
// prompt construction. maxTurns bounds the number of lines; zero means all.
func (t *Tracker) Transcript(maxTurns int) string {
	lines := t.transcript
	if maxTurns > 0 && len(lines) > maxTurns {
		lines = lines[len(lines)-maxTurns:]
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", line.speaker, line.text)
	}
	return b.String()
}

func asRecords(raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			rec, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("tracker: stack slot entry is %T, want map", item)
			}
			out = append(out, rec)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tracker: stack slot holds %T, want list of records", raw)
	}
}
