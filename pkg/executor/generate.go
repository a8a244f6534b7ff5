package executor

import (
	"context"
	"strings"
	"text/template"

	"github.com/aretw0/espalier/pkg/flows"
	"github.com/aretw0/espalier/pkg/tracker"
)

// transcriptTurns bounds how much history is rendered into prompts.
const transcriptTurns = 20

// promptContext is the data a generation prompt template is rendered
// against.
type promptContext struct {
	History string
	Message string
	Slots   map[string]any
}

// runGenerate renders the step's prompt and calls the external generator.
// Any failure is logged and yields no action; the turn continues.
func (e *Executor) runGenerate(ctx context.Context, tn *turn, flow *flows.Flow, s *flows.GenerateStep) (*Action, error) {
	if e.generator == nil {
		e.logger.Warn("skipping generation step, no generator configured", "flow_id", flow.ID, "step_id", s.ID())
		return nil, nil
	}
	prompt, err := renderPrompt(s.Prompt, tn.scratch)
	if err != nil {
		e.logger.Error("rendering generation prompt failed", "flow_id", flow.ID, "step_id", s.ID(), "error", err)
		return nil, nil
	}
	text, err := e.generator.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		e.logger.Error("text generation failed", "flow_id", flow.ID, "step_id", s.ID(), "error", err)
		return nil, nil
	}
	tn.emit(tracker.BotUttered{Text: text})
	return &Action{
		Name:       ActionSendText,
		Confidence: 1.0,
		Metadata:   map[string]any{"message": text},
	}, nil
}

func renderPrompt(text string, tr *tracker.Tracker) (string, error) {
	tmpl, err := template.New("prompt").Parse(text)
	if err != nil {
		return "", err
	}
	data := promptContext{
		History: tr.Transcript(transcriptTurns),
		Slots:   tr.SlotValues(),
	}
	if msg := tr.LatestMessage(); msg != nil {
		data.Message = msg.Text
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
