package engine

import (
	"encoding/json"
	"regexp"
	"strings"
)

// MetadataFields is the structured payload an assistant response may carry
// in a trailing fenced ```json block (§12's fenced-block contract, taken
// from the original source's _handle_chat convention).
type MetadataFields struct {
	Keywords []string `json:"keywords"`
	Topics   []string `json:"topics"`
	Affect   string   `json:"affect"`
}

// Metadata is the variant type named in SPEC_FULL.md's design notes (§9):
// either a successfully parsed {ok, fields} or a {parse_error, raw_text}.
// The block header update (engine step 7) is skipped whenever OK is false.
type Metadata struct {
	OK      bool
	Fields  MetadataFields
	RawJSON string // the exact matched JSON text; reused verbatim as the header payload
	RawText string // set only when a fenced block was present but failed to parse
}

var metadataFence = regexp.MustCompile(`(?s)` + "```json\\s*(\\{.*?\\})\\s*```" + `\s*$`)

// extractMetadata looks for a trailing ```json {...} ``` block in raw,
// strips it from the user-visible text (whether or not it parses — it is
// never meant for the user), and returns the parsed Metadata.
func extractMetadata(raw string) (visible string, meta Metadata) {
	loc := metadataFence.FindStringSubmatchIndex(raw)
	if loc == nil {
		return strings.TrimRight(raw, " \n"), Metadata{}
	}
	visible = strings.TrimRight(raw[:loc[0]], " \n")
	jsonText := raw[loc[2]:loc[3]]

	var fields MetadataFields
	if err := json.Unmarshal([]byte(jsonText), &fields); err != nil {
		return visible, Metadata{RawText: jsonText}
	}
	return visible, Metadata{OK: true, Fields: fields, RawJSON: jsonText}
}
