package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kalambet/techdocs/internal/chunker"
	"github.com/kalambet/techdocs/internal/generate"
	"github.com/kalambet/techdocs/internal/vectorstore"
)

const defaultMaxContextTokens = 3000

// followUpHeader introduces the suggested questions at the end of an answer.
const followUpHeader = "Follow-up questions:"

const (
	systemDocumentation = `You are a technical documentation assistant. Answer strictly from the numbered context excerpts below. Cite the source and page in square brackets, e.g. [manual.pdf p.12]. If the excerpts do not contain the answer, say that it was not found in the documentation.`

	systemNotFound = `You are a technical documentation assistant. The documentation search found nothing relevant to the user's question. Tell the user briefly that the answer was not found in the documentation and suggest how they could rephrase or which document to upload. Do not invent technical facts.`

	systemHybrid = `You are a helpful assistant for technical documentation. Use the numbered context excerpts when they are relevant and cite them as [source p.N]. If they are not relevant, answer from general knowledge and say so.`

	systemDirect = `You are a helpful assistant for technical documentation. No documentation excerpt matched this question. Answer from general knowledge and mention that the answer does not come from the uploaded documents.`

	systemConversational = `You are a friendly assistant for a technical documentation knowledge base. Reply conversationally and briefly.`

	followUpInstruction = "\n\nAfter the answer, add a line \"" + followUpHeader + "\" followed by up to three short follow-up questions, one per line, each starting with \"- \"."
)

// Composer assembles the generation request from retrieved hits, recent
// history and the question, keeping injected context within a token budget.
type Composer struct {
	MaxContextTokens int
	Counter          chunker.TokenCounter
	FollowUps        bool
}

// NewComposer creates a Composer. maxContextTokens <= 0 selects the default.
func NewComposer(maxContextTokens int, counter chunker.TokenCounter) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if counter == nil {
		counter = chunker.EstimateCounter{}
	}
	return &Composer{MaxContextTokens: maxContextTokens, Counter: counter, FollowUps: true}
}

// Compose returns the request and the hits that fit into the budget.
// noContext selects the "not found" instructions for documentation mode.
func (c *Composer) Compose(mode Mode, question string, hits []vectorstore.Hit, history []generate.Message, noContext bool) (generate.Request, []vectorstore.Hit) {
	var system string
	switch {
	case noContext:
		system = systemNotFound
	case mode == ModeDocumentation:
		system = systemDocumentation
	case mode == ModeConversational:
		system = systemConversational
	case len(hits) == 0:
		system = systemDirect
	default:
		system = systemHybrid
	}
	if c.FollowUps && mode != ModeConversational {
		system += followUpInstruction
	}

	used := c.selectHits(hits, c.MaxContextTokens-c.Counter.Count(question)-c.historyTokens(history))

	var sb strings.Builder
	if len(used) > 0 {
		sb.WriteString("Context:\n")
		for i, h := range used {
			sb.WriteString(formatHit(i+1, h))
		}
		sb.WriteString("\nQuestion: ")
	}
	sb.WriteString(question)

	return generate.Request{System: system, History: history, Prompt: sb.String()}, used
}

// selectHits keeps the best-scoring hits that fit in budget tokens, in
// score order. A hit that does not fit is skipped so a smaller one can
// still be used.
func (c *Composer) selectHits(hits []vectorstore.Hit, budget int) []vectorstore.Hit {
	if len(hits) == 0 || budget <= 0 {
		return nil
	}
	sorted := make([]vectorstore.Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var out []vectorstore.Hit
	for _, h := range sorted {
		tokens := c.Counter.Count(formatHit(len(out)+1, h))
		if tokens > budget {
			continue
		}
		out = append(out, h)
		budget -= tokens
	}
	return out
}

func (c *Composer) historyTokens(history []generate.Message) int {
	n := 0
	for _, m := range history {
		n += c.Counter.Count(m.Content)
	}
	return n
}

func formatHit(n int, h vectorstore.Hit) string {
	return fmt.Sprintf("[%d] (source: %s, page %d, score %.2f)\n%s\n\n", n, h.Payload.Filename, h.Payload.Page, h.Score, h.Payload.Text)
}

var bulletRe = regexp.MustCompile(`^\s*([-*•]|\d+[.)])\s*`)

// splitFollowUps separates the answer body from the suggested questions.
func splitFollowUps(raw string) (string, []string) {
	idx := strings.LastIndex(strings.ToLower(raw), strings.ToLower(followUpHeader))
	if idx < 0 {
		return strings.TrimSpace(raw), nil
	}
	answer := strings.TrimSpace(raw[:idx])
	var qs []string
	for _, line := range strings.Split(raw[idx+len(followUpHeader):], "\n") {
		line = strings.TrimSpace(bulletRe.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		qs = append(qs, line)
		if len(qs) == 3 {
			break
		}
	}
	if answer == "" {
		return strings.TrimSpace(raw), nil
	}
	return answer, qs
}
