package validator

import (
	"strings"
	"testing"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return v
}

func TestValidateEnvelopesJSON(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name      string
		body      string
		wantValid bool
		wantPath  string
	}{
		{
			name:      "graph node observed",
			body:      `{"source":"graph","type":"node_observed","execution_id":"e1","node":{"id":"3","kind":"block_start","enclosing":["2"]}}`,
			wantValid: true,
		},
		{
			name:      "graph event without execution",
			body:      `{"source":"graph","type":"node_observed","node":{"id":"3","kind":"atom"}}`,
			wantValid: false,
		},
		{
			name:      "block end without start node",
			body:      `{"source":"graph","type":"node_observed","execution_id":"e1","node":{"id":"4","kind":"block_end"}}`,
			wantValid: false,
			wantPath:  "/node",
		},
		{
			name:      "execution completed needs no node",
			body:      `{"source":"graph","type":"execution_completed","execution_id":"e1"}`,
			wantValid: true,
		},
		{
			name:      "queue item with string causes",
			body:      `{"source":"queue","type":"left","item":{"id":7,"task":{"name":"build"},"causes":["user:alice"]}}`,
			wantValid: true,
		},
		{
			name:      "queue event without item",
			body:      `{"source":"queue","type":"left"}`,
			wantValid: false,
		},
		{
			name:      "unknown queue transition",
			body:      `{"source":"queue","type":"started","item":{"id":1}}`,
			wantValid: false,
			wantPath:  "/type",
		},
		{
			name:      "run completed requires result",
			body:      `{"source":"run","type":"completed","run":{"id":"r1"}}`,
			wantValid: false,
		},
		{
			name:      "run completed",
			body:      `{"source":"run","type":"completed","run":{"id":"r1","number":3},"result":"FAILURE"}`,
			wantValid: true,
		},
		{
			name:      "unknown source",
			body:      `{"source":"scm","type":"push"}`,
			wantValid: false,
			wantPath:  "/source",
		},
		{
			name:      "batch reports element index",
			body:      `[{"source":"run","type":"started","run":{"id":"r1"}},{"source":"run","type":"started"}]`,
			wantValid: false,
			wantPath:  "/1",
		},
		{
			name:      "invalid json",
			body:      `{"source":`,
			wantValid: false,
			wantPath:  "$",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ValidateEnvelopesJSON([]byte(tt.body))
			if result.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (errors: %v)", result.Valid, tt.wantValid, result.Errors)
			}
			if tt.wantValid {
				return
			}
			if len(result.Errors) == 0 {
				t.Fatal("expected errors")
			}
			if tt.wantPath == "" {
				return
			}
			found := false
			for _, e := range result.Errors {
				if strings.HasPrefix(e.Path, tt.wantPath) {
					found = true
				}
			}
			if !found {
				t.Errorf("no error under %q: %v", tt.wantPath, result.Errors)
			}
		})
	}
}

func TestValidatePipelineJSON(t *testing.T) {
	v := newValidator(t)

	valid := `{
		"name": "build",
		"number": 4,
		"params": {"deploy": true},
		"steps": [
			{"kind": "stage", "name": "Build", "when": "params.deploy", "steps": [
				{"kind": "atom", "function": "sh", "command": ["make"], "duration_ms": 20}
			]},
			{"kind": "node", "name": "agent", "steps": [
				{"kind": "atom", "function": "echo", "error": "boom"}
			]}
		]
	}`
	if r := v.ValidatePipelineJSON([]byte(valid)); !r.Valid {
		t.Fatalf("expected valid pipeline, got %v", r.Errors)
	}

	t.Run("atom with body", func(t *testing.T) {
		r := v.ValidatePipelineJSON([]byte(`{"name":"x","steps":[{"kind":"atom","steps":[]}]}`))
		if r.Valid {
			t.Error("atom with nested steps accepted")
		}
	})

	t.Run("stage without name", func(t *testing.T) {
		r := v.ValidatePipelineJSON([]byte(`{"name":"x","steps":[{"kind":"stage"}]}`))
		if r.Valid {
			t.Error("unnamed stage accepted")
		}
	})

	t.Run("negative duration", func(t *testing.T) {
		r := v.ValidatePipelineJSON([]byte(`{"name":"x","steps":[{"kind":"atom","duration_ms":-1}]}`))
		if r.Valid {
			t.Error("negative duration accepted")
		}
		if !strings.Contains(r.Error(), "/steps/0/duration_ms") {
			t.Errorf("Error() = %q", r.Error())
		}
	})

	t.Run("non-string condition", func(t *testing.T) {
		r := v.ValidatePipelineJSON([]byte(`{"name":"x","steps":[{"kind":"atom","when":true}]}`))
		if r.Valid {
			t.Error("boolean when accepted")
		}
	})
}
