// Package protocol holds the version and feature table described in
// spec.md section 4.1: the authoritative list of supported MCP protocol
// revisions and the per-revision capability flags every other component
// consults before deciding whether to translate, synthesize, or degrade a
// payload.
package protocol

// Revision is an opaque tag drawn from a closed enumeration of
// date-stamped protocol revisions.
type Revision string

const (
	// RevOld is the oldest revision the proxy still speaks to backends.
	RevOld Revision = "2024-11-05"
	// RevMiddle adds title fields, output schemas and resource names.
	RevMiddle Revision = "2025-03-26"
	// RevNew is the newest revision, adding audio content and elicitation.
	RevNew Revision = "2025-06-18"

	// RevUnknown is returned by Parse for unrecognized wire strings. It is
	// never advertised by the proxy itself.
	RevUnknown Revision = "unknown"
)

// FeatureSet is the bitset of per-revision capabilities named in spec.md
// section 3.
type FeatureSet struct {
	AudioContent          bool
	Completions           bool
	StructuredContent     bool
	TitleFields           bool
	OutputSchema          bool
	RequiresResourceName  bool
	Elicitation           bool
}

// featureTable is the single source of truth for per-revision
// capabilities. Every downstream decision is a lookup against this map;
// centralizing it here prevents the kind of drift where one adapter thinks
// a revision supports audio and another does not.
var featureTable = map[Revision]FeatureSet{
	RevOld: {
		AudioContent:         false,
		Completions:          false,
		StructuredContent:    false,
		TitleFields:          false,
		OutputSchema:         false,
		RequiresResourceName: false,
		Elicitation:          false,
	},
	RevMiddle: {
		AudioContent:         false,
		Completions:          true,
		StructuredContent:    true,
		TitleFields:          true,
		OutputSchema:         true,
		RequiresResourceName: true,
		Elicitation:          false,
	},
	RevNew: {
		AudioContent:         true,
		Completions:          true,
		StructuredContent:    true,
		TitleFields:          true,
		OutputSchema:         true,
		RequiresResourceName: true,
		Elicitation:          true,
	},
}

// orderedRevisions lists every supported revision oldest-first; Latest
// relies on this order to pick the proxy's preferred outbound revision.
var orderedRevisions = []Revision{RevOld, RevMiddle, RevNew}

// Supported reports every revision the proxy recognizes, oldest first.
func Supported() []Revision {
	out := make([]Revision, len(orderedRevisions))
	copy(out, orderedRevisions)
	return out
}

// Latest returns the newest revision the proxy supports. The supervisor
// advertises this in its outbound `initialize` request (spec.md 4.4).
func Latest() Revision {
	return orderedRevisions[len(orderedRevisions)-1]
}

// Parse resolves a wire-format revision string. Unrecognized strings are
// not an error: callers receive RevUnknown with supported=false and MAY
// still proceed, treating the connection as raw pass-through (spec.md 9,
// "Version pass-through fallback").
func Parse(s string) (rev Revision, supported bool) {
	r := Revision(s)
	if _, ok := featureTable[r]; ok {
		return r, true
	}
	return RevUnknown, false
}

// Features returns the capability set for rev. It is total: unknown or
// unsupported revisions return the zero FeatureSet rather than panicking,
// since callers already decided to pass-through before reaching here.
func Features(rev Revision) FeatureSet {
	return featureTable[rev]
}

// IsKnown reports whether rev is one of the enumerated revisions.
func IsKnown(rev Revision) bool {
	_, ok := featureTable[rev]
	return ok
}
