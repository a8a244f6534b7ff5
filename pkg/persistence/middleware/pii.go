package middleware

import (
	"context"
	"regexp"

	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/tracker"
)

type piiMiddleware struct {
	next     ports.TrackerStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks slot values whose keys
// match one of the patterns before the snapshot is persisted.
func NewPIIMiddleware(patternStrings []string) Middleware {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		patterns[i] = regexp.MustCompile(p)
	}
	return func(next ports.TrackerStore) ports.TrackerStore {
		return &piiMiddleware{
			next:     next,
			patterns: patterns,
		}
	}
}

func (m *piiMiddleware) Save(ctx context.Context, conversationID string, snap *tracker.Snapshot) error {
	// Deep clone to avoid side effects on the snapshot held by the engine.
	cloned := *snap
	cloned.Slots = deepCopyMap(snap.Slots)

	maskMap(cloned.Slots, m.patterns)

	return m.next.Save(ctx, conversationID, &cloned)
}

func (m *piiMiddleware) Load(ctx context.Context, conversationID string) (*tracker.Snapshot, error) {
	return m.next.Load(ctx, conversationID)
}

func (m *piiMiddleware) Delete(ctx context.Context, conversationID string) error {
	return m.next.Delete(ctx, conversationID)
}

func (m *piiMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

// Helpers

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if subMap, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(subMap)
		} else {
			out[k] = v // shallow copy of value
		}
	}
	return out
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		// The dialogue stack and fingerprint bookkeeping slots are
		// structural, never user data; masking them would corrupt the
		// conversation on reload.
		if k == tracker.StackSlot || k == tracker.FingerprintsSlot {
			continue
		}

		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = "***"
				break
			}
		}

		if subMap, ok := v.(map[string]any); ok {
			maskMap(subMap, patterns)
		}
	}
}
