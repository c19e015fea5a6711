package procenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildIncludesIdentityAndOverrides(t *testing.T) {
	b := NewBuilder(map[string]string{"SHARED": "1"})
	env := b.Build("alpha", map[string]string{"SHARED": "2", "ONLY_ALPHA": "yes"})

	found := map[string]string{}
	for _, kv := range env {
		for i := range kv {
			if kv[i] == '=' {
				found[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	assert.Equal(t, "alpha", found["MUXPROXY_SUBPROCESS_NAME"])
	assert.Equal(t, "2", found["SHARED"], "identity override must win over builder-wide extra")
	assert.Equal(t, "yes", found["ONLY_ALPHA"])
}

func TestBuildIsSortedAndDeterministic(t *testing.T) {
	b := NewBuilder(nil)
	a := b.Build("x", nil)
	c := b.Build("x", nil)
	assert.Equal(t, a, c)
	for i := 1; i < len(a); i++ {
		assert.LessOrEqual(t, a[i-1], a[i])
	}
}
