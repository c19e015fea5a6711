package protocol

import "encoding/json"

// Envelope is the JSON-RPC 2.0 message shape preserved across every
// translation the adapter matrix performs (spec.md section 3,
// JsonRpcEnvelope). Only Params/Result payloads are ever mutated; ID and
// Protocol are carried through verbatim by every adapter.
type Envelope struct {
	Protocol string          `json:"jsonrpc"`
	ID       json.RawMessage `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsNotification reports whether the envelope carries no id, i.e. the
// sender does not expect a correlated response.
func (e *Envelope) IsNotification() bool {
	return len(e.ID) == 0 || string(e.ID) == "null"
}

// IsRequest reports whether the envelope is an outbound call (has a
// method and no result/error yet).
func (e *Envelope) IsRequest() bool {
	return e.Method != "" && e.Result == nil && e.Error == nil
}

// IsResponse reports whether the envelope carries a result or an error.
func (e *Envelope) IsResponse() bool {
	return e.Result != nil || e.Error != nil
}

// Clone returns a deep-enough copy of the envelope for safe independent
// mutation; RawMessage byte slices are copied so a translator can rewrite
// Params/Result without aliasing the caller's buffer.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.ID = cloneRaw(e.ID)
	clone.Params = cloneRaw(e.Params)
	clone.Result = cloneRaw(e.Result)
	if e.Error != nil {
		errCopy := *e.Error
		errCopy.Data = cloneRaw(e.Error.Data)
		clone.Error = &errCopy
	}
	return &clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// ToolV1 is the shape of a tool as described on revisions lacking title
// and output-schema fields.
type ToolV1 struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolV2 adds the fields introduced from RevMiddle onward.
type ToolV2 struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ResourceV1 is the shape of a resource on revisions that do not require a
// Name field.
type ResourceV1 struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceV2 adds the required Name and optional Title fields introduced
// from RevMiddle onward.
type ResourceV2 struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ContentKind discriminates the tagged Content union.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentResource ContentKind = "resource"
	ContentAudio    ContentKind = "audio"
)

// Content is a tagged union over the content element shapes carried in
// tools/call results. Audio is only meaningful on revisions with
// FeatureSet.AudioContent set; translating it toward an older revision
// degrades it to a Text placeholder (spec.md section 4.2).
type Content struct {
	Type     ContentKind     `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`     // base64 payload for Image/Audio
	MimeType string          `json:"mimeType,omitempty"` // for Image/Audio
	Resource json.RawMessage `json:"resource,omitempty"` // embedded ResourceV1/V2, kept raw and translated separately
}

// CallToolResultV1 is the tools/call response shape without structured
// content.
type CallToolResultV1 struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// CallToolResultV2 adds StructuredContent, present only on revisions with
// FeatureSet.StructuredContent set.
type CallToolResultV2 struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}
