// Package processor orchestrates the command phase of a turn: extracting the
// commands carried by the latest message, normalizing them and applying their
// effects to the conversation state before the executor runs.
package processor

import (
	"fmt"
	"log/slog"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/commands"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/flows"
	"github.com/aretw0/espalier/pkg/stack"
	"github.com/aretw0/espalier/pkg/tracker"
)

// Processor turns a parsed message into stack and slot mutations.
type Processor struct {
	flows  *flows.FlowList
	logger *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a processor over the given flow catalog.
func New(catalog *flows.FlowList, opts ...Option) *Processor {
	p := &Processor{flows: catalog, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result reports what the command phase of a turn did.
type Result struct {
	// Commands is the cleaned command list that was applied, in priority
	// order (before reversal).
	Commands []commands.Command
	// Events are the state mutations produced, in application order, with
	// trailing duplicate slot sets collapsed.
	Events []tracker.Event
	// CodeChange is true when changed flow definitions discarded the
	// original command list.
	CodeChange bool
}

// ProcessMessage applies one message's commands to the tracker and returns
// what was applied. Flow definition changes are detected first: if any flow
// referenced on the stack changed or vanished, the whole command list is
// replaced by a single code-change command. Updated fingerprints are
// persisted either way.
func (p *Processor) ProcessMessage(tr *tracker.Tracker, msg *domain.Message) (*Result, error) {
	tr.Update(tracker.UserUttered{Message: msg})

	var applied []tracker.Event
	record := func(events ...tracker.Event) {
		tr.Update(events...)
		applied = append(applied, events...)
	}

	cmds, err := commands.FromRecords(msg.Commands)
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}

	changed, err := p.changedFlows(tr)
	if err != nil {
		return nil, err
	}
	record(tracker.FingerprintsUpdated(p.flows.Fingerprints()))
	codeChange := len(changed) > 0
	if codeChange {
		p.logger.Warn("flow definitions changed under the active stack, discarding commands",
			"changed_flows", changed, "discarded", len(cmds))
		cmds = []commands.Command{commands.HandleCodeChange{}}
	}

	cleaned := commands.CleanUp(cmds, tr, p.flows, p.logger)
	if err := commands.Validate(cleaned); err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}

	// The stack runs top-first, so applying in reverse keeps the declared
	// command priority: the first command ends up on top.
	for i := len(cleaned) - 1; i >= 0; i-- {
		events, err := commands.RunOnTracker(cleaned[i], tr, p.flows, p.logger)
		if err != nil {
			return nil, fmt.Errorf("processor: applying %q: %w", cleaned[i].Tag(), err)
		}
		record(events...)
	}

	return &Result{
		Commands:   cleaned,
		Events:     dedupeTrailingSlotSets(applied),
		CodeChange: codeChange,
	}, nil
}

// changedFlows compares stored fingerprints against the current catalog for
// every flow referenced on the stack. A missing flow counts as changed.
func (p *Processor) changedFlows(tr *tracker.Tracker) ([]string, error) {
	st, err := tr.Stack()
	if err != nil {
		return nil, fmt.Errorf("processor: decoding stack: %w", err)
	}
	stored := tr.Fingerprints()
	var changed []string
	seen := map[string]bool{}
	for _, frame := range st.Frames() {
		uf, ok := frame.(*stack.UserFrame)
		if !ok || seen[uf.FlowID()] {
			continue
		}
		seen[uf.FlowID()] = true
		flow, err := p.flows.FlowByID(uf.FlowID())
		if err != nil {
			changed = append(changed, uf.FlowID())
			continue
		}
		if fp, ok := stored[uf.FlowID()]; ok && fp != flow.Fingerprint() {
			changed = append(changed, uf.FlowID())
		}
	}
	return changed, nil
}

// dedupeTrailingSlotSets collapses repeated slot-set events for the same key
// to the last one, scanning from the end backward. Only slot sets are
// touched; everything else keeps its position.
func dedupeTrailingSlotSets(events []tracker.Event) []tracker.Event {
	seen := map[string]bool{}
	keep := make([]bool, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		ss, ok := events[i].(tracker.SlotSet)
		if !ok {
			keep[i] = true
			continue
		}
		if seen[ss.Key] {
			continue
		}
		seen[ss.Key] = true
		keep[i] = true
	}
	out := make([]tracker.Event, 0, len(events))
	for i, ev := range events {
		if keep[i] {
			out = append(out, ev)
		}
	}
	return out
}
