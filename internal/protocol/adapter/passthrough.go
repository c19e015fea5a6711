package adapter

import "github.com/mcp-multiplex/muxproxy/internal/protocol"

// PassThrough is the identity translator used when source and target
// revisions coincide, or when a backend advertises an unrecognized
// revision string (spec.md 9, "Version pass-through fallback"). It does
// not rewrite the payload: it returns a cheap Clone of the envelope (a
// new envelope with copied id/params/result bytes), so callers may mutate
// the result without aliasing the input.
type PassThrough struct{}

func (PassThrough) TranslateRequest(_ string, env *protocol.Envelope) (*protocol.Envelope, error) {
	return env.Clone(), nil
}

func (PassThrough) TranslateResponse(_ string, env *protocol.Envelope) (*protocol.Envelope, error) {
	return env.Clone(), nil
}

func (PassThrough) TranslateNotification(_ string, env *protocol.Envelope) (*protocol.Envelope, error) {
	return env.Clone(), nil
}
