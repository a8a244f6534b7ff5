package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortenErrKey(t *testing.T) {
	a := shortenErrKey(nil, slog.String("error", "boom"))
	assert.Equal(t, "err", a.Key)
	assert.Equal(t, "boom", a.Value.String())

	b := shortenErrKey(nil, slog.String("slot", "amount"))
	assert.Equal(t, "slot", b.Key)
}

func TestNewNopDiscards(t *testing.T) {
	logger := NewNop()
	assert.NotPanics(t, func() {
		logger.Info("ignored", "key", "value")
	})
}
