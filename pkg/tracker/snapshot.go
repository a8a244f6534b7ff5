package tracker

import (
	"sort"

	"github.com/aretw0/espalier/pkg/domain"
)

// TranscriptEntry is one rendered line of conversation history.
type TranscriptEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Snapshot is the serializable form of a tracker, the unit a TrackerStore
// persists between turns. Slot values include the engine bookkeeping slots,
// so the dialogue stack and fingerprint map round-trip with the rest.
type Snapshot struct {
	ConversationID string            `json:"conversation_id"`
	Slots          map[string]any    `json:"slots"`
	FilledSlots    []string          `json:"filled_slots"`
	Transcript     []TranscriptEntry `json:"transcript"`
	LatestAction   string            `json:"latest_action,omitempty"`
	ActiveLoop     string            `json:"active_loop,omitempty"`
}

// Snapshot captures the tracker's persistable state. The pending event log
// and the latest message are per-turn and intentionally not included.
func (t *Tracker) Snapshot() *Snapshot {
	snap := &Snapshot{
		ConversationID: t.conversationID,
		Slots:          make(map[string]any, len(t.slots)),
		FilledSlots:    make([]string, 0, len(t.filled)),
		Transcript:     make([]TranscriptEntry, 0, len(t.transcript)),
		LatestAction:   t.latestAction,
		ActiveLoop:     t.activeLoop,
	}
	for k, v := range t.slots {
		snap.Slots[k] = v
	}
	for k := range t.filled {
		snap.FilledSlots = append(snap.FilledSlots, k)
	}
	sort.Strings(snap.FilledSlots)
	for _, line := range t.transcript {
		snap.Transcript = append(snap.Transcript, TranscriptEntry{Speaker: line.speaker, Text: line.text})
	}
	return snap
}

// FromSnapshot reconstructs a tracker from persisted state.
func FromSnapshot(snap *Snapshot, dom *domain.Domain) *Tracker {
	t := &Tracker{
		conversationID: snap.ConversationID,
		domain:         dom,
		slots:          make(map[string]any, len(snap.Slots)),
		filled:         make(map[string]bool, len(snap.FilledSlots)),
		latestAction:   snap.LatestAction,
		activeLoop:     snap.ActiveLoop,
	}
	for k, v := range snap.Slots {
		t.slots[k] = v
	}
	for _, name := range snap.FilledSlots {
		t.filled[name] = true
	}
	for _, line := range snap.Transcript {
		t.transcript = append(t.transcript, transcriptLine{speaker: line.Speaker, text: line.Text})
	}
	return t
}
