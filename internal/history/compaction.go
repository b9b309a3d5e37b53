package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vendra-ai/vendra/internal/llm"
)

// Compaction defaults: collapse once the active context exceeds
// CompactAfter turns, always keeping the most recent KeepRecent turns
// verbatim.
const (
	DefaultCompactAfter = 30
	DefaultKeepRecent   = 15
)

// Summarizer condenses a block of turns into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Compactor collapses old conversation turns into summary turns so the
// outbound model context stays bounded while the durable log keeps
// everything.
type Compactor struct {
	store        *Store
	summarizer   Summarizer
	compactAfter int
	keepRecent   int
	logger       *slog.Logger
}

// NewCompactor creates a compactor over the given store. A nil
// summarizer falls back to the heuristic one.
func NewCompactor(store *Store, summarizer Summarizer, compactAfter, keepRecent int, logger *slog.Logger) *Compactor {
	if compactAfter <= 0 {
		compactAfter = DefaultCompactAfter
	}
	if keepRecent <= 0 || keepRecent >= compactAfter {
		keepRecent = DefaultKeepRecent
	}
	if summarizer == nil {
		summarizer = &HeuristicSummarizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		store:        store,
		summarizer:   summarizer,
		compactAfter: compactAfter,
		keepRecent:   keepRecent,
		logger:       logger,
	}
}

// MaybeCompact compacts the session if its active context has grown past
// the threshold. Running it on an already-compact session is a no-op, so
// callers can invoke it after every turn append. Returns true when a
// compaction actually happened.
func (c *Compactor) MaybeCompact(ctx context.Context, sessionID string) (bool, error) {
	turns, err := c.store.ActiveTurns(sessionID)
	if err != nil {
		return false, fmt.Errorf("load active turns: %w", err)
	}
	if len(turns) <= c.compactAfter {
		return false, nil
	}

	// Collapse everything but the most recent keepRecent turns. The
	// prefix may itself contain an earlier summary turn; it gets folded
	// into the new one like any other turn.
	prefix := turns[:len(turns)-c.keepRecent]

	summary, err := c.summarizer.Summarize(ctx, prefix)
	if err != nil {
		return false, fmt.Errorf("summarize: %w", err)
	}

	fromSeq := effectiveSeq(prefix[0])
	toSeq := prefix[len(prefix)-1].Seq

	ids := make([]string, len(prefix))
	for i, t := range prefix {
		ids[i] = t.ID
	}
	if err := c.store.markCompacted(sessionID, ids); err != nil {
		return false, fmt.Errorf("mark compacted: %w", err)
	}

	_, err = c.store.AppendTurn(sessionID, Turn{
		Role:            RoleSummary,
		Content:         formatSummary(summary, len(prefix)),
		ReplacedCount:   int64(len(prefix)),
		ReplacedFromSeq: fromSeq,
		ReplacedToSeq:   toSeq,
	})
	if err != nil {
		return false, fmt.Errorf("append summary turn: %w", err)
	}

	c.logger.Info("compacted session history",
		"session_id", sessionID,
		"replaced", len(prefix),
		"kept", c.keepRecent,
		"from_seq", fromSeq,
		"to_seq", toSeq)

	return true, nil
}

// effectiveSeq is the position a turn occupies in the outbound context:
// summary turns stand where their replaced range began.
func effectiveSeq(t Turn) int64 {
	if t.Role == RoleSummary && t.ReplacedFromSeq > 0 {
		return t.ReplacedFromSeq
	}
	return t.Seq
}

// formatSummary wraps summary text with a marker the model (and a human
// reading the log) can recognize.
func formatSummary(summary string, replaced int) string {
	return fmt.Sprintf("[Conversation summary — %d earlier turns]\n%s", replaced, summary)
}

// --- Heuristic summarizer ---

// HeuristicSummarizer builds a summary without a model call: it keeps
// any prior summary text, lists what the shopper asked about, and counts
// the tool activity. Deterministic and free, which makes it the default.
type HeuristicSummarizer struct{}

// Summarize implements Summarizer.
func (h *HeuristicSummarizer) Summarize(_ context.Context, turns []Turn) (string, error) {
	var b strings.Builder

	// Carry prior summaries forward so nothing is lost across rounds of
	// compaction.
	for _, t := range turns {
		if t.Role == RoleSummary {
			b.WriteString(stripSummaryMarker(t.Content))
			b.WriteString("\n")
		}
	}

	var asks []string
	toolCounts := map[string]int{}
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			asks = append(asks, firstLine(t.Content, 120))
		case RoleAssistant:
			if t.ToolCalls != "" {
				for _, name := range toolCallNames(t.ToolCalls) {
					toolCounts[name]++
				}
			}
		}
	}

	if len(asks) > 0 {
		b.WriteString("Customer asked about:\n")
		for _, a := range asks {
			b.WriteString("- ")
			b.WriteString(a)
			b.WriteString("\n")
		}
	}
	if len(toolCounts) > 0 {
		b.WriteString("Actions taken: ")
		var parts []string
		for name, n := range toolCounts {
			parts = append(parts, fmt.Sprintf("%s x%d", name, n))
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		out = fmt.Sprintf("Earlier conversation of %d turns with no notable activity.", len(turns))
	}
	return out, nil
}

func stripSummaryMarker(content string) string {
	if i := strings.Index(content, "\n"); i >= 0 && strings.HasPrefix(content, "[Conversation summary") {
		return strings.TrimSpace(content[i+1:])
	}
	return content
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// toolCallNames extracts tool names from a stored tool_calls JSON blob.
func toolCallNames(blob string) []string {
	calls, err := llm.ParseToolCalls(blob)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Function.Name)
	}
	return names
}

// --- LLM summarizer ---

// LLMSummarizer asks the model to write the summary. Falls back to the
// heuristic summarizer when the call fails, so compaction never blocks
// on provider availability.
type LLMSummarizer struct {
	Client   llm.Client
	Model    string
	fallback HeuristicSummarizer
}

const summarizePrompt = `Summarize this shopping conversation. Preserve: products the customer viewed or discussed, stated preferences (size, color, budget), cart contents, and any unresolved questions. Be concise. Output only the summary.`

// Summarize implements Summarizer.
func (l *LLMSummarizer) Summarize(ctx context.Context, turns []Turn) (string, error) {
	var transcript strings.Builder
	for _, t := range turns {
		transcript.WriteString(t.Role)
		transcript.WriteString(": ")
		transcript.WriteString(firstLine(t.Content, 500))
		transcript.WriteString("\n")
	}

	messages := []llm.Message{
		{Role: "system", Content: summarizePrompt},
		{Role: "user", Content: transcript.String()},
	}

	resp, err := l.Client.Chat(ctx, l.Model, messages, nil)
	if err != nil || strings.TrimSpace(resp.Message.Content) == "" {
		return l.fallback.Summarize(ctx, turns)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}
