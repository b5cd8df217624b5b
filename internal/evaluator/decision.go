package evaluator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Decision actions shared by the reply evaluator and the follow-up scheduler.
const (
	ActionReply    = "reply"
	ActionClose    = "close"
	ActionEscalate = "escalate"
	ActionWait     = "wait"
	ActionFollowUp = "follow_up"
)

// Decision is the validated, coerced form of an oracle response.
type Decision struct {
	Action        string   `json:"action"`
	Message       string   `json:"message,omitempty"`
	Reasoning     string   `json:"reasoning,omitempty"`
	Outcome       string   `json:"outcome,omitempty"`
	Score         int      `json:"score"`
	Resolved      bool     `json:"resolved"`
	Noteworthy    []string `json:"noteworthy,omitempty"`
	NextCheckDays int      `json:"next_check_days,omitempty"`
}

// decisionSchemaJSON types the fields the oracle may emit. Nothing is
// required: missing fields are filled with conservative defaults after
// validation, and an unknown action coerces to escalate.
const decisionSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"action": {"type": "string"},
		"message": {"type": "string"},
		"reasoning": {"type": "string"},
		"outcome": {"type": "string"},
		"score": {"type": "number"},
		"resolved": {"type": "boolean"},
		"noteworthy": {"type": "array", "items": {"type": "string"}},
		"next_check_days": {"type": "number"}
	}
}`

// DecisionParser extracts and validates decision JSON from raw oracle output.
type DecisionParser struct {
	schema *jsonschema.Schema
}

// NewDecisionParser compiles the decision schema.
func NewDecisionParser() (*DecisionParser, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal decision schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", doc); err != nil {
		return nil, fmt.Errorf("add decision schema: %w", err)
	}
	schema, err := c.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return &DecisionParser{schema: schema}, nil
}

// Parse pulls the first JSON object out of the oracle's raw text, validates
// it, and applies defaults. Unknown or missing actions become escalate; the
// caller widens that with CoerceAction when a different vocabulary applies.
func (p *DecisionParser) Parse(raw string) (*Decision, error) {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON object in oracle response")
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON in oracle response: %w", err)
	}
	if err := p.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("decision schema validation: %w", err)
	}

	var d Decision
	if err := json.Unmarshal([]byte(jsonStr), &d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	if d.Score < 0 {
		d.Score = 0
	}
	if d.Score > 100 {
		d.Score = 100
	}
	return &d, nil
}

// CoerceAction forces the action into the allowed set, defaulting to
// escalate when the oracle proposed something else.
func (d *Decision) CoerceAction(allowed ...string) {
	for _, a := range allowed {
		if d.Action == a {
			return
		}
	}
	d.Action = ActionEscalate
}

// extractJSON finds a JSON object in the oracle's response text.
func extractJSON(text string) string {
	// 1. Try fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Try generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Try raw JSON: find first { and match the closing brace
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON object from the start of the string.
func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
