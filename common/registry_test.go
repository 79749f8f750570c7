package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry[string]()
	registry.Add(3, "c")
	registry.Add(1, "a")
	registry.Add(2, "b")

	assert.Equal(t, 3, registry.Len())
	assert.Equal(t, []string{"a", "b", "c"}, registry.Snapshot(), "Snapshot is ordered by handle")

	state, ok := registry.Get(2)
	assert.True(t, ok)
	assert.Equal(t, "b", state)

	var visited []Handle
	registry.Each(func(handle Handle, state string) bool {
		visited = append(visited, handle)
		return handle < 2
	})
	assert.Equal(t, []Handle{1, 2}, visited, "Each stops once the callback returns false")

	_, ok = registry.Remove(2)
	assert.True(t, ok)
	_, ok = registry.Remove(2)
	assert.False(t, ok, "Removing twice is a no-op")
	_, ok = registry.Get(2)
	assert.False(t, ok)
}

func TestInvariants(t *testing.T) {
	strict := Invariants{Strict: true}
	assert.Panics(t, func() { strict.Violated("seeker %d double freed", 4) })
	assert.False(t, strict.Check(true, "never"))

	lenient := Invariants{}
	assert.NotPanics(t, func() {
		assert.True(t, lenient.Check(false, "queue size negative"))
	})
}
