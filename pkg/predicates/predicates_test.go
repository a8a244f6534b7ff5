package predicates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTruthy(t *testing.T) {
	eval := NewJSEvaluator()

	tests := []struct {
		name      string
		predicate string
		env       map[string]any
		want      bool
	}{
		{"numeric comparison", "amount > 100", map[string]any{"amount": 150.0}, true},
		{"numeric comparison false", "amount > 100", map[string]any{"amount": 50.0}, false},
		{"string equality", "membership == 'gold'", map[string]any{"membership": "gold"}, true},
		{"boolean slot", "confirmed", map[string]any{"confirmed": true}, true},
		{"unset slot is null", "recipient == null", map[string]any{"recipient": nil}, true},
		{"conjunction", "amount > 0 && amount < 1000", map[string]any{"amount": 500.0}, true},
		{"coerced string number", "amount > 100", map[string]any{"amount": Coerce("150")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.IsTruthy(tt.predicate, tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsTruthyCompileError(t *testing.T) {
	eval := NewJSEvaluator()
	_, err := eval.IsTruthy("amount >", map[string]any{"amount": 1})
	assert.Error(t, err)
}

func TestIsTruthyRuntimeError(t *testing.T) {
	eval := NewJSEvaluator()
	_, err := eval.IsTruthy("missing.field > 1", map[string]any{})
	assert.Error(t, err)
}

func TestCompileCache(t *testing.T) {
	eval := NewJSEvaluator()

	_, err := eval.IsTruthy("x > 1", map[string]any{"x": 2})
	require.NoError(t, err)
	cached, found := eval.programs.Get("x > 1")
	require.True(t, found)

	_, err = eval.IsTruthy("x > 1", map[string]any{"x": 0})
	require.NoError(t, err)
	again, _ := eval.programs.Get("x > 1")
	assert.Same(t, cached, again, "identical predicate text reuses the compiled program")
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{"true", true},
		{"Yes", true},
		{"false", false},
		{"no", false},
		{"42", 42.0},
		{" 3.14 ", 3.14},
		{"gold", "gold"},
		{true, true},
		{7, 7},
		{nil, nil},
	}
	for _, tt := range tests {
		if got := Coerce(tt.in); got != tt.want {
			t.Errorf("Coerce(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEnv(t *testing.T) {
	env := Env([]string{"amount", "recipient"}, map[string]any{"amount": "50"})

	assert.Equal(t, 50.0, env["amount"])
	val, declared := env["recipient"]
	assert.True(t, declared)
	assert.Nil(t, val)
}
