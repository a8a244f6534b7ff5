// Package predicates evaluates the condition language used on flow links and
// collect-step rejections: boolean expressions over the conversation's slot
// values.
package predicates

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	c "github.com/patrickmn/go-cache"
)

// Evaluator checks a predicate string against an environment of slot values.
// The executor depends only on this interface so the expression grammar can
// be swapped without touching it.
type Evaluator interface {
	// IsTruthy evaluates the predicate with the environment's keys bound as
	// variables. A parse or evaluation failure is an error; callers decide
	// whether that is fatal.
	IsTruthy(predicate string, env map[string]any) (bool, error)
}

// JSEvaluator evaluates predicates as JavaScript expressions via goja.
// Compiled programs are cached by predicate text, so each distinct condition
// is parsed once per process.
type JSEvaluator struct {
	programs *c.Cache
}

// NewJSEvaluator returns an evaluator with an unbounded compile cache.
func NewJSEvaluator() *JSEvaluator {
	return &JSEvaluator{
		programs: c.New(c.NoExpiration, 10*time.Minute),
	}
}

func (e *JSEvaluator) IsTruthy(predicate string, env map[string]any) (bool, error) {
	program, err := e.compile(predicate)
	if err != nil {
		return false, err
	}
	vm := goja.New()
	for name, value := range env {
		if err := vm.Set(name, Coerce(value)); err != nil {
			return false, fmt.Errorf("predicates: binding %q: %w", name, err)
		}
	}
	val, err := vm.RunProgram(program)
	if err != nil {
		return false, fmt.Errorf("predicates: evaluating %q: %w", predicate, err)
	}
	return val.ToBoolean(), nil
}

func (e *JSEvaluator) compile(predicate string) (*goja.Program, error) {
	if cached, found := e.programs.Get(predicate); found {
		return cached.(*goja.Program), nil
	}
	program, err := goja.Compile("predicate", predicate, true)
	if err != nil {
		return nil, fmt.Errorf("predicates: compiling %q: %w", predicate, err)
	}
	e.programs.Set(predicate, program, c.NoExpiration)
	return program, nil
}

// Coerce normalizes a slot value for predicate evaluation: boolean-like
// strings become bools, numeric-like strings become floats, everything else
// is left as-is.
func Coerce(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f
	}
	return value
}

// Env builds the evaluation environment from slot values, binding every
// declared slot so predicates can reference unset slots as null.
func Env(slotNames []string, values map[string]any) map[string]any {
	env := make(map[string]any, len(slotNames))
	for _, name := range slotNames {
		env[name] = nil
	}
	for name, value := range values {
		env[name] = Coerce(value)
	}
	return env
}
