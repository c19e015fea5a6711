// Package errs defines the error taxonomy from spec.md section 7. These
// are sentinel kinds checked with errors.Is, wrapped with context the way
// the teacher wraps errors throughout upstream/manager.go
// ("fmt.Errorf(...: %w, err)"), not string-matched.
package errs

import "errors"

// Kind is one of the taxonomy entries from spec.md section 7.
type Kind string

const (
	TransportFailure      Kind = "transport_failure"
	ProtocolMalformed     Kind = "protocol_malformed"
	VersionUnsupported    Kind = "version_unsupported"
	TranslationError      Kind = "translation_error"
	InitializationTimeout Kind = "initialization_timeout"
	BackendUnavailable    Kind = "backend_unavailable"
	NamespaceMiss         Kind = "namespace_miss"
	PluginSpawnFailure    Kind = "plugin_spawn_failure"
	PluginTimeout         Kind = "plugin_timeout"
	PluginInvalidOutput   Kind = "plugin_invalid_output"
	PluginReported        Kind = "plugin_reported"
	PoolExhausted         Kind = "pool_exhausted"
	RequestTimeout        Kind = "request_timeout"
)

// Error pairs a taxonomy Kind with the underlying cause and the JSON-RPC
// error code a dispatcher should surface for it (spec.md section 6,
// "Error codes on the client wire").
type Error struct {
	Kind Kind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// codeFor maps a taxonomy Kind to its client-wire JSON-RPC error code.
// Kinds with no fixed client-visible code (e.g. TransportFailure, which is
// retried internally and never reaches the client as such) return 0.
func codeFor(k Kind) int {
	switch k {
	case NamespaceMiss:
		return -32601
	case PluginReported, BackendUnavailable:
		return -32000
	case RequestTimeout:
		return -32001
	case TranslationError, ProtocolMalformed:
		return -32603
	default:
		return 0
	}
}

// New builds an Error of the given kind, wrapping cause and deriving the
// client-wire code from the taxonomy.
func New(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Code: codeFor(k), Msg: msg, Err: cause}
}

// Is reports whether err (or anything it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
