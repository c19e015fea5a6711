package adapter

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mcp-multiplex/muxproxy/internal/protocol"
)

// lastPathSegment derives a resource's display name from its URI, per
// spec.md section 3: "name is derived from the final path segment of the
// URI, falling back to the full URI when no usable segment exists." Only
// the parsed URL's path contributes a segment; scheme/authority/opaque
// parts never do, so a non-path-like URI such as "custom://unique-id" or
// "urn:isbn:12345" falls back to the full URI rather than splitting on
// its scheme separator.
func lastPathSegment(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	trimmed := strings.TrimRight(parsed.Path, "/")
	if trimmed == "" {
		return uri
	}
	idx := strings.LastIndex(trimmed, "/")
	seg := trimmed[idx+1:]
	if seg == "" {
		return uri
	}
	return seg
}

// translateResourceToV2 upgrades a ResourceV1 payload, synthesizing Name
// from the URI. It never mutates the source.
func translateResourceToV2(raw json.RawMessage) (json.RawMessage, error) {
	var v1 protocol.ResourceV1
	if err := json.Unmarshal(raw, &v1); err != nil {
		return nil, fmt.Errorf("decode resource v1: %w", err)
	}
	v2 := protocol.ResourceV2{
		URI:      v1.URI,
		Name:     lastPathSegment(v1.URI),
		MimeType: v1.MimeType,
		Text:     v1.Text,
		Blob:     v1.Blob,
	}
	out, err := json.Marshal(v2)
	if err != nil {
		return nil, fmt.Errorf("encode resource v2: %w", err)
	}
	return out, nil
}

// translateResourceToV1 drops Name and Title, keeping the fields that
// round-trip losslessly per the invariant in spec.md section 3.
func translateResourceToV1(raw json.RawMessage) (json.RawMessage, error) {
	var v2 protocol.ResourceV2
	if err := json.Unmarshal(raw, &v2); err != nil {
		return nil, fmt.Errorf("decode resource v2: %w", err)
	}
	v1 := protocol.ResourceV1{
		URI:      v2.URI,
		MimeType: v2.MimeType,
		Text:     v2.Text,
		Blob:     v2.Blob,
	}
	out, err := json.Marshal(v1)
	if err != nil {
		return nil, fmt.Errorf("encode resource v1: %w", err)
	}
	return out, nil
}

// audioPlaceholder builds the Text content the spec mandates when Audio
// content is emitted toward a revision that doesn't support it:
// "[Audio content: <mime>]".
func audioPlaceholder(mime string) protocol.Content {
	return protocol.Content{
		Type: protocol.ContentText,
		Text: fmt.Sprintf("[Audio content: %s]", mime),
	}
}

// translateContentElement rewrites one Content element for the
// target's feature set. Text and Image pass through unchanged (lossless
// round-trip). Resource elements get their embedded resource payload
// translated. Audio is degraded to Text when the target lacks
// FeatureSet.AudioContent; it is otherwise passed through unchanged since
// emitting audio toward a revision that already supports it requires no
// rewriting.
func translateContentElement(c protocol.Content, targetFeats protocol.FeatureSet, toV2 bool) (protocol.Content, error) {
	switch c.Type {
	case protocol.ContentAudio:
		if !targetFeats.AudioContent {
			return audioPlaceholder(c.MimeType), nil
		}
		return c, nil
	case protocol.ContentResource:
		if len(c.Resource) == 0 {
			return c, nil
		}
		var (
			translated json.RawMessage
			err        error
		)
		if toV2 {
			translated, err = translateResourceToV2(c.Resource)
		} else {
			translated, err = translateResourceToV1(c.Resource)
		}
		if err != nil {
			return c, err
		}
		c.Resource = translated
		return c, nil
	default:
		// Text, Image: lossless round-trip, nothing to rewrite.
		return c, nil
	}
}

// translateContentList applies translateContentElement across a content
// slice, preserving order.
func translateContentList(items []protocol.Content, targetFeats protocol.FeatureSet, toV2 bool) ([]protocol.Content, error) {
	out := make([]protocol.Content, len(items))
	for i, c := range items {
		translated, err := translateContentElement(c, targetFeats, toV2)
		if err != nil {
			return nil, err
		}
		out[i] = translated
	}
	return out, nil
}
