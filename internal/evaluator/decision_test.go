package evaluator

import (
	"testing"
)

func TestDecisionParser_Parse(t *testing.T) {
	parser, err := NewDecisionParser()
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}

	tests := []struct {
		name       string
		raw        string
		wantErr    bool
		wantAction string
		wantScore  int
	}{
		{
			name:       "bare json",
			raw:        `{"action": "reply", "message": "hi", "score": 40}`,
			wantAction: "reply",
			wantScore:  40,
		},
		{
			name:       "json wrapped in prose",
			raw:        "Sure, here is my decision:\n{\"action\": \"close\", \"outcome\": \"churned\", \"score\": 10}\nLet me know if you need anything else.",
			wantAction: "close",
			wantScore:  10,
		},
		{
			name:       "fenced json block",
			raw:        "```json\n{\"action\": \"escalate\", \"reasoning\": \"angry member\"}\n```",
			wantAction: "escalate",
		},
		{
			name:       "nested braces inside strings",
			raw:        `{"action": "reply", "message": "use code {WELCOME} today", "score": 55}`,
			wantAction: "reply",
			wantScore:  55,
		},
		{
			name:    "prose only",
			raw:     "I think we should wait and see what the member says.",
			wantErr: true,
		},
		{
			name:    "empty response",
			raw:     "",
			wantErr: true,
		},
		{
			name:    "wrong field type",
			raw:     `{"action": "reply", "score": "very high"}`,
			wantErr: true,
		},
		{
			name:       "score clamped to range",
			raw:        `{"action": "wait", "score": 500}`,
			wantAction: "wait",
			wantScore:  100,
		},
		{
			name:       "action normalized",
			raw:        `{"action": "  Reply  "}`,
			wantAction: "reply",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := parser.Parse(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected parse error, got %+v", d)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if d.Action != tc.wantAction {
				t.Fatalf("action = %q, want %q", d.Action, tc.wantAction)
			}
			if d.Score != tc.wantScore {
				t.Fatalf("score = %d, want %d", d.Score, tc.wantScore)
			}
		})
	}
}

func TestDecision_CoerceAction(t *testing.T) {
	d := &Decision{Action: "purchase_upgrade"}
	d.CoerceAction(ActionReply, ActionClose, ActionEscalate, ActionWait)
	if d.Action != ActionEscalate {
		t.Fatalf("unknown action must coerce to escalate, got %q", d.Action)
	}

	d = &Decision{Action: ActionWait}
	d.CoerceAction(ActionReply, ActionClose, ActionEscalate, ActionWait)
	if d.Action != ActionWait {
		t.Fatalf("known action must survive coercion, got %q", d.Action)
	}

	d = &Decision{Action: ActionReply}
	d.CoerceAction(ActionFollowUp, ActionClose, ActionEscalate, ActionWait)
	if d.Action != ActionEscalate {
		t.Fatalf("reply is not in the follow-up vocabulary, got %q", d.Action)
	}
}
