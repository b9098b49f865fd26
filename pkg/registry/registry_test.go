package registry

import (
	"testing"

	"github.com/carepath/conduit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	name     string
	received []*types.MessageEnvelope
}

func (f *fakeHost) Name() string { return f.name }
func (f *fakeHost) Submit(env *types.MessageEnvelope) error {
	f.received = append(f.received, env)
	return nil
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	h := &fakeHost{name: "InboundADT"}
	r.Register(h)

	got, err := r.Get("InboundADT")
	require.NoError(t, err)
	assert.Same(t, h, got)
}

func TestGetUnknownNameReturnsErrTargetNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("DoesNotExist")
	assert.ErrorIs(t, err, types.ErrTargetNotFound)
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	r := New()
	first := &fakeHost{name: "Router"}
	second := &fakeHost{name: "Router"}
	r.Register(first)
	r.Register(second)

	got, err := r.Get("Router")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New()
	r.Register(&fakeHost{name: "Outbound"})
	r.Unregister("Outbound")

	_, err := r.Get("Outbound")
	assert.ErrorIs(t, err, types.ErrTargetNotFound)
}

func TestNamesReflectsCurrentContents(t *testing.T) {
	r := New()
	r.Register(&fakeHost{name: "A"})
	r.Register(&fakeHost{name: "B"})

	assert.ElementsMatch(t, []string{"A", "B"}, r.Names())
}
