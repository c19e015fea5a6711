package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/mcp-multiplex/muxproxy/internal/protocol"
)

// Method names the adapter matrix treats specially; every other method's
// payload is version-insensitive and passes through unchanged (spec.md
// 4.2, "Error responses and notifications ... pass through unchanged").
const (
	methodToolsList     = "tools/list"
	methodResourcesRead = "resources/read"
	methodToolsCall     = "tools/call"
)

// revisionTranslator is the one concrete translator type used for every
// ordered pair of distinct revisions; its behavior is entirely a function
// of the (source, target) feature-set diff, so a single parameterized
// type stands in for the N(N-1) matrix entries design note 9 describes.
type revisionTranslator struct {
	source      protocol.Revision
	target      protocol.Revision
	sourceFeats protocol.FeatureSet
	targetFeats protocol.FeatureSet
}

func (t revisionTranslator) TranslateRequest(_ string, env *protocol.Envelope) (*protocol.Envelope, error) {
	// Request payloads (tool/resource/prompt names, arguments) are not
	// version-sensitive in this protocol's method set: only responses
	// carry version-shaped data. Requests pass through with id/jsonrpc
	// preserved like every other translation.
	return env.Clone(), nil
}

func (t revisionTranslator) TranslateNotification(_ string, env *protocol.Envelope) (*protocol.Envelope, error) {
	return env.Clone(), nil
}

func (t revisionTranslator) TranslateResponse(method string, env *protocol.Envelope) (*protocol.Envelope, error) {
	out := env.Clone()
	if out.Error != nil || len(out.Result) == 0 {
		// Error responses are not version-sensitive (spec.md 4.2).
		return out, nil
	}

	var err error
	switch method {
	case methodToolsList:
		out.Result, err = t.translateToolsList(out.Result)
	case methodResourcesRead:
		out.Result, err = t.translateResourcesRead(out.Result)
	case methodToolsCall:
		out.Result, err = t.translateToolsCall(out.Result)
	default:
		return out, nil
	}
	if err != nil {
		return nil, &TranslationError{Method: method, Err: err}
	}
	return out, nil
}

// toolsListResult is decoded generically (map-based tools) so that fields
// the adapter does not know about (annotations, destructive/readOnly
// hints) survive untouched; only title/outputSchema are ever removed.
func (t revisionTranslator) translateToolsList(raw json.RawMessage) (json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	toolsRaw, ok := body["tools"]
	if !ok {
		return raw, nil
	}
	var tools []map[string]json.RawMessage
	if err := json.Unmarshal(toolsRaw, &tools); err != nil {
		return nil, fmt.Errorf("decode tools list: %w", err)
	}
	for _, tool := range tools {
		if !t.targetFeats.TitleFields {
			delete(tool, "title")
		}
		if !t.targetFeats.OutputSchema {
			delete(tool, "outputSchema")
		}
		// Never synthesize: if the target supports these fields but the
		// source didn't carry them, they simply remain absent.
	}
	encodedTools, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("encode tools list: %w", err)
	}
	body["tools"] = encodedTools
	return json.Marshal(body)
}

func (t revisionTranslator) translateResourcesRead(raw json.RawMessage) (json.RawMessage, error) {
	var body struct {
		Contents []json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode resources/read result: %w", err)
	}
	toV2 := t.targetFeats.RequiresResourceName
	translated := make([]json.RawMessage, len(body.Contents))
	for i, c := range body.Contents {
		var out json.RawMessage
		var err error
		if toV2 {
			out, err = translateResourceToV2(c)
		} else {
			out, err = translateResourceToV1(c)
		}
		if err != nil {
			return nil, err
		}
		translated[i] = out
	}
	return json.Marshal(struct {
		Contents []json.RawMessage `json:"contents"`
	}{Contents: translated})
}

func (t revisionTranslator) translateToolsCall(raw json.RawMessage) (json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}

	if contentRaw, ok := body["content"]; ok {
		var content []protocol.Content
		if err := json.Unmarshal(contentRaw, &content); err != nil {
			return nil, fmt.Errorf("decode content list: %w", err)
		}
		translated, err := translateContentList(content, t.targetFeats, t.targetFeats.RequiresResourceName)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(translated)
		if err != nil {
			return nil, fmt.Errorf("encode content list: %w", err)
		}
		body["content"] = encoded
	}

	if !t.targetFeats.StructuredContent {
		delete(body, "structuredContent")
	}
	// Never synthesized when translating forward, per spec.md 4.2.

	return json.Marshal(body)
}
