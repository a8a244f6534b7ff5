// Package espalier is a conversational dialogue engine: declarative flow
// definitions are interpreted over a persisted dialogue stack, turning the
// commands carried by each user message into the assistant's next actions.
package espalier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/espalier/internal/adapters/memory"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/validator"
	"github.com/aretw0/espalier/pkg/commands"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/executor"
	"github.com/aretw0/espalier/pkg/flows"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/predicates"
	"github.com/aretw0/espalier/pkg/processor"
	"github.com/aretw0/espalier/pkg/session"
	"github.com/aretw0/espalier/pkg/tracker"
)

// maxTurnActions bounds how many actions one turn may execute before the
// engine forces a stop. A healthy turn ends on its own with a question or
// the listen fallback well before this.
const maxTurnActions = 16

// Engine is the high-level entry point for the Espalier library. It wires
// the command processor, the flow executor and conversation persistence
// behind a single ProcessTurn call.
type Engine struct {
	catalog   *flows.FlowList
	domain    *domain.Domain
	store     ports.TrackerStore
	locker    ports.DistributedLocker
	generator ports.Generator
	evaluator predicates.Evaluator
	metrics   *observability.Metrics
	logger    *slog.Logger

	sessions  *session.Manager
	processor *processor.Processor
	executor  *executor.Executor
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithStore injects a tracker store. Defaults to an in-memory store.
func WithStore(store ports.TrackerStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithLocker enables distributed locking across replicas.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(e *Engine) { e.locker = locker }
}

// WithGenerator provides the external text generator for
// response-generation steps.
func WithGenerator(gen ports.Generator) Option {
	return func(e *Engine) { e.generator = gen }
}

// WithEvaluator sets a custom predicate evaluator.
func WithEvaluator(eval predicates.Evaluator) Option {
	return func(e *Engine) { e.evaluator = eval }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New initializes an Engine from a YAML flow catalog and a slot domain.
// The catalog is validated before the engine is returned.
func New(catalogYAML []byte, dom *domain.Domain, opts ...Option) (*Engine, error) {
	catalog, err := flows.ParseCatalog(catalogYAML)
	if err != nil {
		return nil, fmt.Errorf("espalier: %w", err)
	}
	return NewWithCatalog(catalog, dom, opts...)
}

// NewWithCatalog initializes an Engine from an already-built catalog.
func NewWithCatalog(catalog *flows.FlowList, dom *domain.Domain, opts ...Option) (*Engine, error) {
	eng := &Engine{
		catalog: catalog,
		domain:  dom,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if err := validator.ValidateCatalog(catalog, dom); err != nil {
		return nil, fmt.Errorf("espalier: invalid flow catalog: %w", err)
	}

	if eng.store == nil {
		eng.store = memory.NewStore()
	}
	if eng.evaluator == nil {
		eng.evaluator = predicates.NewJSEvaluator()
	}

	sessionOpts := []session.Option{session.WithLogger(eng.logger)}
	if eng.locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(eng.locker))
	}
	eng.sessions = session.NewManager(eng.store, dom, sessionOpts...)

	eng.processor = processor.New(catalog, processor.WithLogger(eng.logger))

	executorOpts := []executor.Option{
		executor.WithEvaluator(eng.evaluator),
		executor.WithLogger(eng.logger),
	}
	if eng.generator != nil {
		executorOpts = append(executorOpts, executor.WithGenerator(eng.generator))
	}
	eng.executor = executor.New(catalog, executorOpts...)

	return eng, nil
}

// Catalog returns the flow catalog the engine runs.
func (e *Engine) Catalog() *flows.FlowList { return e.catalog }

// Sessions returns the conversation manager, for callers that need direct
// load/save/delete access.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Turn is the outcome of processing one user message: the actions the
// engine executed, in order, and every state-mutation event of the turn.
type Turn struct {
	Actions []executor.Action
	Events  []tracker.Event
}

// LastAction returns the final executed action of the turn, or nil when the
// engine went straight to listening.
func (t *Turn) LastAction() *executor.Action {
	if len(t.Actions) == 0 {
		return nil
	}
	return &t.Actions[len(t.Actions)-1]
}

// ProcessTurn runs one full turn for a conversation: load (or start) the
// tracker, apply the message's commands, then alternate prediction and
// action execution until the engine waits for input again. State is
// persisted before returning.
func (e *Engine) ProcessTurn(ctx context.Context, conversationID string, msg *domain.Message) (*Turn, error) {
	started := time.Now()
	var turn *Turn
	err := e.sessions.WithLock(ctx, conversationID, func(ctx context.Context) error {
		tr, err := e.loadTracker(ctx, conversationID)
		if err != nil {
			return err
		}

		result, err := e.processor.ProcessMessage(tr, msg)
		if err != nil {
			return err
		}
		e.recordCommands(result)

		actions, err := e.runActions(ctx, tr)
		if err != nil {
			return err
		}

		if err := e.store.Save(ctx, conversationID, tr.Snapshot()); err != nil {
			return fmt.Errorf("espalier: persisting conversation: %w", err)
		}
		turn = &Turn{Actions: actions, Events: tr.Events()}
		return nil
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.ObserveTurn("error", time.Since(started).Seconds())
		}
		return nil, err
	}
	if e.metrics != nil {
		name := executor.ActionListen
		if last := turn.LastAction(); last != nil {
			name = last.Name
		}
		e.metrics.ObserveTurn(name, time.Since(started).Seconds())
	}
	return turn, nil
}

func (e *Engine) loadTracker(ctx context.Context, conversationID string) (*tracker.Tracker, error) {
	snap, err := e.store.Load(ctx, conversationID)
	if errors.Is(err, domain.ErrConversationNotFound) {
		return tracker.New(conversationID, e.domain), nil
	}
	if err != nil {
		return nil, fmt.Errorf("espalier: loading conversation: %w", err)
	}
	return tracker.FromSnapshot(snap, e.domain), nil
}

// runActions alternates prediction and execution: each predicted action is
// recorded on the tracker, engine-owned side effects (starting a triggered
// flow) are applied, and prediction repeats until the engine listens or a
// question waits for the user's answer.
func (e *Engine) runActions(ctx context.Context, tr *tracker.Tracker) ([]executor.Action, error) {
	var actions []executor.Action
	for i := 0; i < maxTurnActions; i++ {
		prediction, err := e.executor.PredictNextAction(ctx, tr)
		if err != nil {
			return nil, err
		}
		tr.Update(prediction.Events...)

		action := prediction.Action
		if action == nil || action.Name == executor.ActionListen {
			return actions, nil
		}
		actions = append(actions, *action)
		tr.Update(tracker.ActionExecuted{Name: action.Name})

		if flowID, ok := strings.CutPrefix(action.Name, executor.FlowPrefix); ok {
			events, err := commands.RunOnTracker(commands.StartFlow{Flow: flowID}, tr, e.catalog, e.logger)
			if err != nil {
				return nil, err
			}
			tr.Update(events...)
			continue
		}
		if strings.HasPrefix(action.Name, executor.QuestionPrefix) {
			// The turn ends on a question; the answer arrives next turn.
			return actions, nil
		}
	}
	e.logger.Error("turn exceeded action budget, stopping", "actions", len(actions))
	return actions, nil
}

func (e *Engine) recordCommands(result *processor.Result) {
	if e.metrics == nil {
		return
	}
	for _, cmd := range result.Commands {
		e.metrics.ObserveCommand(cmd.Tag())
	}
	if result.CodeChange {
		e.metrics.ObserveCodeChange()
	}
}
