package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDomain(t *testing.T) {
	dom, err := ParseDomain([]byte(`
slots:
  - name: amount
    type: float
  - name: membership
    initial_value: basic
`))
	require.NoError(t, err)
	require.Len(t, dom.Slots, 2)

	amount, ok := dom.SlotByName("amount")
	require.True(t, ok)
	assert.Equal(t, SlotTypeFloat, amount.Type)

	membership, ok := dom.SlotByName("membership")
	require.True(t, ok)
	assert.Equal(t, SlotTypeAny, membership.Type, "type defaults to any")
	assert.Equal(t, "basic", dom.InitialValue("membership"))
}

func TestParseDomainUnnamedSlot(t *testing.T) {
	_, err := ParseDomain([]byte("slots:\n  - type: text\n"))
	assert.Error(t, err)
}

func TestDomainLookups(t *testing.T) {
	var nilDomain *Domain
	_, ok := nilDomain.SlotByName("x")
	assert.False(t, ok)
	assert.Nil(t, nilDomain.InitialValue("x"))

	dom := NewDomain([]Slot{{Name: "a", InitialValue: 1}})
	assert.Equal(t, 1, dom.InitialValue("a"))
	assert.Nil(t, dom.InitialValue("missing"))
}
