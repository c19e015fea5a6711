// Package procenv builds the environment passed to spawned subprocesses
// (backends and plugins), allow-listing a small, predictable base rather
// than forwarding the proxy's full environment into untrusted children.
package procenv

import (
	"fmt"
	"os"
	"sort"
)

// passthroughVars are inherited from the proxy's own environment when
// present, because subprocesses routinely need them to function (locate
// binaries, resolve a home directory, behave consistently in containers).
var passthroughVars = []string{
	"PATH",
	"HOME",
	"USER",
	"LANG",
	"LC_ALL",
	"TMPDIR",
	"TZ",
}

// Builder constructs subprocess environments for one backend or plugin
// identity, layering identity-scoped overrides on top of the allow-listed
// host environment.
type Builder struct {
	extra map[string]string
}

// NewBuilder returns a Builder that also forwards the key/value pairs in
// extra to every subprocess it builds for, on top of the base allow-list.
func NewBuilder(extra map[string]string) *Builder {
	return &Builder{extra: extra}
}

// Build returns a sorted "KEY=VALUE" slice suitable for exec.Cmd.Env,
// combining the allow-listed host environment, the builder's shared
// extras, and overrides specific to one identity (a backend name or
// plugin name). Later sources win on key collision.
func (b *Builder) Build(identity string, overrides map[string]string) []string {
	merged := map[string]string{}
	for _, key := range passthroughVars {
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}
	for k, v := range b.extra {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	merged["MUXPROXY_SUBPROCESS_NAME"] = identity

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
