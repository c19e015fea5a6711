// Package adapter implements the Adapter Matrix from spec.md section 4.2:
// for any ordered pair of protocol revisions, a translator that rewrites
// request, response and notification payloads between them while leaving
// the JSON-RPC envelope (id, jsonrpc) untouched.
package adapter

import (
	"fmt"

	"github.com/mcp-multiplex/muxproxy/internal/protocol"
)

// Translator is the capability set every adapter-matrix entry implements.
// Implementations are immutable value objects and safe for concurrent use
// by many dispatcher goroutines at once (spec.md 4.2, "Concurrency").
//
// Response envelopes carry no method on the wire, so callers must thread
// the originating request's method through from their own id→method
// correlation (the dispatcher tracks this the way a pending-request table
// would); an empty method is treated as version-insensitive pass-through.
type Translator interface {
	TranslateRequest(method string, env *protocol.Envelope) (*protocol.Envelope, error)
	TranslateResponse(method string, env *protocol.Envelope) (*protocol.Envelope, error)
	TranslateNotification(method string, env *protocol.Envelope) (*protocol.Envelope, error)
}

// TranslationError is returned when a structurally valid JSON-RPC envelope
// carries a payload an adapter cannot rewrite (spec.md 4.2, "Failure").
// The dispatcher converts it to a -32603 JSON-RPC error while preserving
// the original id.
type TranslationError struct {
	Method string
	Err    error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translation error for method %q: %v", e.Method, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// Factory returns the translator for the ordered pair (source, target).
// When source equals target, or either side is not a known revision
// (e.g. a backend that answered initialize with an unrecognized version),
// it returns PassThrough; otherwise it returns the one concrete
// revisionTranslator entry for that pair (spec.md 4.2, "Factory").
func Factory(source, target protocol.Revision) Translator {
	if source == target || !protocol.IsKnown(source) || !protocol.IsKnown(target) {
		return PassThrough{}
	}
	return revisionTranslator{
		source:       source,
		target:       target,
		sourceFeats:  protocol.Features(source),
		targetFeats:  protocol.Features(target),
	}
}
