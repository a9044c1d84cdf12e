package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/techdocs/internal/generate"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		question string
		want     Mode
	}{
		{"Hello!", ModeConversational},
		{"thanks a lot", ModeConversational},
		{"How are you today?", ModeConversational},
		{"What does the exhaust system caution say?", ModeDocumentation},
		{"Torque for the M8 cylinder head bolt", ModeDocumentation},
		{"What is the clearance in mm for part AB-1234?", ModeDocumentation},
		{"Hi, how do I replace the fuse?", ModeHybrid},
		{"Tell me something interesting", ModeHybrid},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			if got := Classify(tt.question); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.question, got, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeConversational, ModeDocumentation, ModeHybrid} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("chitchat"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestLLMClassifier(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  Mode
	}{
		{"json", `{"mode": "documentation"}`, nil, ModeDocumentation},
		{"json in fence", "```json\n{\"mode\":\"hybrid\"}\n```", nil, ModeHybrid},
		{"json unknown label", `{"mode": "poetry"}`, nil, ModeConversational},
		{"label", "documentation", nil, ModeDocumentation},
		{"label with noise", "Conversational.", nil, ModeConversational},
		{"two labels", "documentation or hybrid", nil, ModeHybrid},
		{"garbage falls back", "no idea", nil, ModeConversational},
		{"error falls back", "", errors.New("down"), ModeConversational},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := generate.Func(func(context.Context, generate.Request) (string, error) { return tt.reply, tt.err })
			c := NewLLMClassifier(gen, nil)
			if got := c.Classify(context.Background(), "hello there", nil); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLLMClassifier_RequestsModeSchema(t *testing.T) {
	var got generate.Request
	gen := generate.Func(func(_ context.Context, req generate.Request) (string, error) {
		got = req
		return `{"mode":"conversational"}`, nil
	})
	if m := NewLLMClassifier(gen, nil).Classify(context.Background(), "thanks!", nil); m != ModeConversational {
		t.Errorf("Classify = %s, want conversational", m)
	}
	if got.Schema == nil {
		t.Fatal("classifier sent no schema")
	}
	prop, ok := got.Schema.Properties["mode"]
	if !ok || len(prop.Enum) != 3 {
		t.Errorf("mode property = %+v, want enum of three labels", prop)
	}
}

func TestLLMClassifier_Timeout(t *testing.T) {
	gen := generate.Func(func(ctx context.Context, _ generate.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	c := NewLLMClassifier(gen, nil)
	c.timeout = 20 * time.Millisecond

	start := time.Now()
	got := c.Classify(context.Background(), "What does the exhaust system caution say?", nil)
	if got != ModeDocumentation {
		t.Errorf("Classify = %s, want heuristic documentation", got)
	}
	if time.Since(start) > time.Second {
		t.Error("classifier did not respect its timeout")
	}
}
