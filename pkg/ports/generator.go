package ports

import "context"

// Generator defines the external text-generation call made by
// response-generation steps. A failed or empty result is reported as an
// error; the executor treats it as a soft failure for the step.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
