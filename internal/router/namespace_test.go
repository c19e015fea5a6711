package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicNameFormat(t *testing.T) {
	assert.Equal(t, "mcp__proxy__alpha__echo", PublicName("alpha", "echo"))
}

func TestParsePublicNameRoundTrip(t *testing.T) {
	backend, original, ok := ParsePublicName("mcp__proxy__alpha__echo")
	require.True(t, ok)
	assert.Equal(t, "alpha", backend)
	assert.Equal(t, "echo", original)
}

func TestParsePublicNameRejectsUnprefixed(t *testing.T) {
	_, _, ok := ParsePublicName("echo")
	assert.False(t, ok)
}

func TestTwoBackendsSameToolNameDistinctPrefixes(t *testing.T) {
	r := New()
	r.Register(Tools, PublicName("alpha", "echo"), "alpha", "echo")
	r.Register(Tools, PublicName("beta", "echo"), "beta", "echo")

	e, ok := r.Lookup(Tools, "mcp__proxy__beta__echo")
	require.True(t, ok)
	assert.Equal(t, "beta", e.BackendName)
	assert.Equal(t, "echo", e.OriginalName)

	e2, ok := r.Lookup(Tools, "mcp__proxy__alpha__echo")
	require.True(t, ok)
	assert.Equal(t, "alpha", e2.BackendName)
}

func TestUnregisterBackendPurgesOnlyItsEntries(t *testing.T) {
	r := New()
	r.Register(Tools, PublicName("alpha", "echo"), "alpha", "echo")
	r.Register(Tools, PublicName("beta", "echo"), "beta", "echo")
	r.Register(Resources, "file:///a", "alpha", "file:///a")

	r.UnregisterBackend("alpha")

	_, ok := r.Lookup(Tools, "mcp__proxy__alpha__echo")
	assert.False(t, ok)
	_, ok = r.Lookup(Resources, "file:///a")
	assert.False(t, ok)

	_, ok = r.Lookup(Tools, "mcp__proxy__beta__echo")
	assert.True(t, ok)
}

func TestResourcesRegisteredUnderFullURI(t *testing.T) {
	r := New()
	r.Register(Resources, "file:///tmp/doc.txt", "alpha", "file:///tmp/doc.txt")
	e, ok := r.Lookup(Resources, "file:///tmp/doc.txt")
	require.True(t, ok)
	assert.Equal(t, "alpha", e.BackendName)
}

func TestLookupMissReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Lookup(Tools, "mcp__proxy__nobody__echo")
	assert.False(t, ok)
}

func TestClearEmptiesAllIndexes(t *testing.T) {
	r := New()
	r.Register(Tools, PublicName("alpha", "echo"), "alpha", "echo")
	r.Register(Resources, "file:///a", "alpha", "file:///a")
	r.Register(Prompts, PublicName("alpha", "greet"), "alpha", "greet")
	r.Clear()
	_, ok := r.Lookup(Tools, PublicName("alpha", "echo"))
	assert.False(t, ok)
	_, ok = r.Lookup(Resources, "file:///a")
	assert.False(t, ok)
	_, ok = r.Lookup(Prompts, PublicName("alpha", "greet"))
	assert.False(t, ok)
}
