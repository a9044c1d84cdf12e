package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/techdocs/internal/generate"
)

// Mode decides whether a question is answered from the documents.
type Mode int

const (
	// ModeHybrid tries retrieval and falls back to direct generation when
	// nothing relevant is found. It is the zero value.
	ModeHybrid Mode = iota
	// ModeConversational answers without retrieval.
	ModeConversational
	// ModeDocumentation requires retrieved context.
	ModeDocumentation
)

func (m Mode) String() string {
	switch m {
	case ModeConversational:
		return "conversational"
	case ModeDocumentation:
		return "documentation"
	}
	return "hybrid"
}

// Retrieves reports whether the mode searches the vector store.
func (m Mode) Retrieves() bool { return m != ModeConversational }

// ParseMode is the inverse of String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "conversational":
		return ModeConversational, nil
	case "documentation":
		return ModeDocumentation, nil
	case "hybrid", "":
		return ModeHybrid, nil
	}
	return ModeHybrid, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Classifier picks a Mode for a question.
type Classifier interface {
	Classify(ctx context.Context, question string, history []generate.Message) Mode
}

var (
	greetingRe = regexp.MustCompile(`^(hi|hello|hey|howdy|greetings|good (morning|afternoon|evening)|thanks|thank you|thx|cheers|bye|goodbye|see you)\b`)
	smallTalk  = []string{"how are you", "who are you", "what are you", "what can you do", "your name", "nice to meet", "tell me a joke", "how's it going"}
	unitRe     = regexp.MustCompile(`\b\d+([.,]\d+)?\s?(mm|cm|m|km|nm|n·m|kg|g|lb|lbs|v|mv|kv|a|ma|w|kw|hz|khz|mhz|rpm|psi|bar|kpa|mpa|°c|°f|ms|s|min|h|mb|gb|l|ml|in|ft)\b`)
	partRe     = regexp.MustCompile(`\b[A-Z0-9]{2,}[-/][A-Z0-9][A-Z0-9-/]*\b`)
	questionRe = regexp.MustCompile(`^(how|what|which|where|when|why|can|does|do|should|is|are)\b`)
)

// technicalTerms are stems; a word matches when it starts with one.
var technicalTerms = []string{
	"torque", "voltage", "current", "pressure", "temperature", "install", "configur", "calibrat",
	"specification", "spec", "manual", "procedure", "warning", "caution", "danger", "replace", "remov",
	"maintenance", "service", "inspect", "sensor", "valve", "exhaust", "engine", "firmware", "parameter",
	"setting", "wiring", "fuse", "circuit", "error", "fault", "code", "diagnos", "troubleshoot", "tolerance",
	"clearance", "bolt", "screw", "filter", "pump", "motor", "battery", "connector", "pin", "interval",
	"capacity", "rating", "model", "part", "section", "chapter", "table", "figure", "step", "assembly",
	"lubric", "coolant", "oil", "gasket", "bearing", "hydraulic", "electrical", "system", "safety",
}

// Classify is the heuristic classifier: greetings and small talk without
// technical content are conversational, clearly technical questions are
// documentation, and everything in between is hybrid.
func Classify(question string) Mode {
	q := strings.TrimSpace(question)
	lower := strings.ToLower(q)

	conv := 0
	if greetingRe.MatchString(lower) {
		conv += 2
	}
	for _, p := range smallTalk {
		if strings.Contains(lower, p) {
			conv += 2
			break
		}
	}

	tech := 0
	if unitRe.MatchString(lower) {
		tech += 2
	}
	if partRe.MatchString(q) {
		tech += 2
	}
	if questionRe.MatchString(lower) {
		tech++
	}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		for _, term := range technicalTerms {
			if strings.HasPrefix(w, term) {
				tech += 2
				break
			}
		}
	}

	switch {
	case conv > 0 && tech <= 1:
		return ModeConversational
	case conv == 0 && tech >= 3:
		return ModeDocumentation
	}
	return ModeHybrid
}

// HeuristicClassifier adapts Classify to the Classifier interface.
type HeuristicClassifier struct{}

func (HeuristicClassifier) Classify(_ context.Context, question string, _ []generate.Message) Mode {
	return Classify(question)
}

const classifyTimeout = 3 * time.Second

const classifyPrompt = `You route questions for a technical documentation assistant.
Reply with only a JSON object {"mode": "<label>"} where label is:
- "documentation" if the question asks about facts, procedures, specifications or content of technical manuals
- "conversational" if it is a greeting, thanks, or small talk that needs no documents
- "hybrid" if unsure or it mixes both`

var classifySchema = &generate.Schema{
	Type: "object",
	Properties: map[string]generate.SchemaProperty{
		"mode": {Type: "string", Enum: []string{"documentation", "conversational", "hybrid"}},
	},
	Required: []string{"mode"},
}

// LLMClassifier asks a generative model for the mode and falls back to the
// heuristic when the model is slow, fails, or answers with something else.
type LLMClassifier struct {
	gen     generate.Generator
	timeout time.Duration
	logger  *slog.Logger
}

// NewLLMClassifier creates an LLMClassifier with a 3s budget per call.
func NewLLMClassifier(gen generate.Generator, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{gen: gen, timeout: classifyTimeout, logger: logger}
}

func (c *LLMClassifier) Classify(ctx context.Context, question string, history []generate.Message) Mode {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.gen.Generate(ctx, generate.Request{
		System:  classifyPrompt,
		History: history,
		Prompt:  question,
		Schema:  classifySchema,
	})
	if err != nil {
		c.logger.Warn("mode classification failed, using heuristic", "error", err)
		return Classify(question)
	}
	if m, ok := parseModeJSON(raw); ok {
		return m
	}
	// Models without structured output sometimes answer with a bare label.
	lower := strings.ToLower(raw)
	found := -1
	for _, m := range []Mode{ModeDocumentation, ModeConversational, ModeHybrid} {
		if strings.Contains(lower, m.String()) {
			if found >= 0 {
				// More than one label is no answer at all.
				return ModeHybrid
			}
			found = int(m)
		}
	}
	if found < 0 {
		c.logger.Warn("unrecognised mode from classifier", "response", raw)
		return Classify(question)
	}
	return Mode(found)
}

func parseModeJSON(raw string) (Mode, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return 0, false
	}
	var obj struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &obj); err != nil || obj.Mode == "" {
		return 0, false
	}
	m, err := ParseMode(obj.Mode)
	if err != nil {
		return 0, false
	}
	return m, true
}
