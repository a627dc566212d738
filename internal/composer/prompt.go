package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/askd/internal/engine"
	"github.com/kalambet/askd/internal/retrieval"
	"github.com/kalambet/askd/internal/storage"
)

const (
	defaultMaxContextTokens = 4000

	// maxPassageRunes bounds each passage rendered into the prompt.
	maxPassageRunes = 800
)

const systemPrompt = "You answer questions using the provided document excerpts and the previous conversation. " +
	"If the excerpts do not contain the answer, say so briefly."

// Grounding is the context an answer is generated from: the recent messages
// of the conversation and the passages retrieved for the question.
type Grounding struct {
	History  []storage.Message
	Passages []retrieval.Passage
}

// Composer renders a Grounding and a question into chat messages, keeping
// the injected context within a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns a system message carrying the context followed by the
// user's question. The newest history is kept first; passages then fill
// the remaining budget, highest score first.
func (c *Composer) Compose(g Grounding, question string) []engine.Message {
	remaining := c.MaxContextTokens

	history := fitHistory(g.History, &remaining)
	passages := fitPassages(g.Passages, &remaining)

	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if passages != "" {
		sb.WriteString("\n\n[Documents]\n")
		sb.WriteString(passages)
	}
	if history != "" {
		sb.WriteString("\n\nPrevious conversation:\n")
		sb.WriteString(history)
	}

	return []engine.Message{
		{Role: engine.RoleSystem, Content: strings.TrimRight(sb.String(), "\n")},
		{Role: engine.RoleUser, Content: question},
	}
}

// fitHistory keeps the longest suffix of history that fits the budget.
func fitHistory(history []storage.Message, remaining *int) string {
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		tokens := EstimateTokens(historyLine(history[i]))
		if tokens > *remaining {
			break
		}
		*remaining -= tokens
		start = i
	}
	return ThreadContext(history[start:])
}

func fitPassages(passages []retrieval.Passage, remaining *int) string {
	sorted := make([]retrieval.Passage, len(passages))
	copy(sorted, passages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var sb strings.Builder
	for _, p := range sorted {
		entry := formatPassage(p)
		tokens := EstimateTokens(entry)
		if tokens > *remaining {
			continue
		}
		sb.WriteString(entry)
		*remaining -= tokens
	}
	return sb.String()
}

func formatPassage(p retrieval.Passage) string {
	text := p.Text
	if r := []rune(text); len(r) > maxPassageRunes {
		text = string(r[:maxPassageRunes]) + "..."
	}
	source := p.Source
	if p.Pages != "" {
		source += ", pages " + p.Pages
	}
	return fmt.Sprintf("(Source: %s)\n%s\n\n", source, text)
}

// ThreadContext formats messages as "User: ..." and "Assistant: ..." lines.
func ThreadContext(history []storage.Message) string {
	lines := make([]string, len(history))
	for i, m := range history {
		lines[i] = historyLine(m)
	}
	return strings.Join(lines, "\n")
}

func historyLine(m storage.Message) string {
	role := "User"
	if m.Sender == storage.SenderAssistant {
		role = "Assistant"
	}
	return role + ": " + m.Content
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
