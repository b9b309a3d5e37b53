// Package agent implements the conversation orchestration loop: one
// user message in, rounds of model calls and tool dispatches, one
// assistant reply out, with every turn persisted along the way.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/vendra-ai/vendra/internal/config"
	"github.com/vendra-ai/vendra/internal/events"
	"github.com/vendra-ai/vendra/internal/history"
	"github.com/vendra-ai/vendra/internal/llm"
	"github.com/vendra-ai/vendra/internal/session"
	"github.com/vendra-ai/vendra/internal/tools"
)

// Exhaustion reason constants.
const (
	ExhaustMaxRounds = "max_rounds"
)

const defaultToolTimeout = 15 * time.Second

// ErrSessionNotFound is returned when the session ID has no record.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionEnded is returned when the session is closed to new messages.
var ErrSessionEnded = errors.New("session has ended")

// Result is the outcome of processing one user message.
type Result struct {
	Content       string          `json:"content"`
	Model         string          `json:"model"`
	Rounds        int             `json:"rounds"`
	InputTokens   int             `json:"input_tokens"`
	OutputTokens  int             `json:"output_tokens"`
	Exhausted     bool            `json:"exhausted"`
	ExhaustReason string          `json:"exhaust_reason,omitempty"`
	Truncated     bool            `json:"truncated,omitempty"`
	ToolsCalled   []string        `json:"tools_called,omitempty"`
	Context       session.Context `json:"context"`
}

// Agent drives conversations for all sessions. One Agent serves the
// whole process; per-session serialization lives in the history store's
// append locks and the per-request context handling here.
type Agent struct {
	logger       *slog.Logger
	llm          llm.Client
	model        string
	store        *history.Store
	compactor    *history.Compactor
	registry     *tools.Registry
	bus          *events.Bus
	systemPrompt string

	maxRounds    int
	retries      int
	retryBackoff time.Duration
	toolTimeout  time.Duration
}

// New creates an agent.
func New(logger *slog.Logger, client llm.Client, cfg config.AgentConfig, model string, store *history.Store, compactor *history.Compactor, registry *tools.Registry, bus *events.Bus, systemPrompt string) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 10
	}
	return &Agent{
		logger:       logger,
		llm:          client,
		model:        model,
		store:        store,
		compactor:    compactor,
		registry:     registry,
		bus:          bus,
		systemPrompt: systemPrompt,
		maxRounds:    maxRounds,
		retries:      cfg.ModelRetries,
		retryBackoff: cfg.ModelRetryBackoff(),
		toolTimeout:  defaultToolTimeout,
	}
}

const defaultSystemPrompt = `You are a helpful sales assistant for an online store. Help customers find products, answer questions about them, and manage their shopping cart. Use the available tools to search the catalog, check stock, and build the cart. Be honest about availability and never invent products or prices. When the customer is ready, share the checkout link from their cart.`

// ProcessMessage handles one user message for a session and returns the
// assistant's reply.
func (a *Agent) ProcessMessage(ctx context.Context, sessionID, message string) (*Result, error) {
	return a.ProcessMessageStream(ctx, sessionID, message, nil)
}

// ProcessMessageStream is ProcessMessage with live streaming: tokens and
// tool lifecycle events are delivered to callback as they happen. The
// returned Result carries the same final state either way.
func (a *Agent) ProcessMessageStream(ctx context.Context, sessionID, message string, callback llm.StreamCallback) (*Result, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required")
	}

	sess, err := a.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.Status != history.StatusActive {
		return nil, ErrSessionEnded
	}

	// Tool goroutines share the callback with the token stream. Serialize
	// delivery so a writer on the other end (the SSE handler) never sees
	// interleaved events.
	if callback != nil {
		inner := callback
		var cbMu sync.Mutex
		callback = func(e llm.StreamEvent) {
			cbMu.Lock()
			defer cbMu.Unlock()
			inner(e)
		}
	}

	requestID, _ := uuid.NewV7()
	rid := requestID.String()
	startTime := time.Now()

	sctx := session.Unmarshal(sess.Context)

	a.logger.Info("request started",
		"request_id", rid,
		"session_id", sessionID,
		"message_len", len(message),
	)
	a.publish(events.KindRequestStart, map[string]any{
		"request_id":  rid,
		"session_id":  sessionID,
		"message_len": len(message),
	})
	a.logEvent(sessionID, events.KindRequestStart, map[string]any{"request_id": rid})

	// The user turn is durable before the first model call: a crash
	// mid-request must never lose what the customer said.
	if _, err := a.store.AppendTurn(sessionID, history.Turn{
		Role:    history.RoleUser,
		Content: message,
	}); err != nil {
		return nil, fmt.Errorf("persist user turn: %w", err)
	}

	// Compact before building the outbound context so a long-running
	// session never sends an oversized window to the model.
	if a.compactor != nil {
		if _, err := a.compactor.MaybeCompact(ctx, sessionID); err != nil {
			a.logger.Warn("pre-round compaction failed", "session_id", sessionID, "error", err)
		}
	}

	messages, err := a.buildMessages(sessionID, sctx)
	if err != nil {
		return nil, err
	}

	toolDefs := a.registry.List()
	var totalInput, totalOutput int
	var toolsCalled []string

	for round := range a.maxRounds {
		if err := ctx.Err(); err != nil {
			a.abort(rid, sessionID, "cancelled")
			return nil, fmt.Errorf("request cancelled: %w", err)
		}

		roundStart := time.Now()
		a.logger.Info("model call",
			"request_id", rid,
			"round", round,
			"model", a.model,
			"msgs", len(messages),
		)
		a.publish(events.KindLLMCall, map[string]any{
			"request_id": rid, "round": round, "model": a.model,
		})

		resp, err := a.callModel(ctx, messages, toolDefs, callback)
		if err != nil {
			a.abort(rid, sessionID, "model_error")
			return nil, fmt.Errorf("model call failed (round %d): %w", round, err)
		}

		totalInput += resp.InputTokens
		totalOutput += resp.OutputTokens

		a.logger.Info("model response",
			"request_id", rid,
			"round", round,
			"stop_reason", resp.StopReason,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"tool_calls", len(resp.Message.ToolCalls),
			"elapsed", time.Since(roundStart).Round(time.Millisecond),
		)
		a.publish(events.KindLLMResponse, map[string]any{
			"request_id":  rid,
			"round":       round,
			"model":       a.model,
			"tokens_in":   resp.InputTokens,
			"tokens_out":  resp.OutputTokens,
			"stop_reason": resp.StopReason,
			"tool_calls":  len(resp.Message.ToolCalls),
		})

		// Trust the presence of tool calls over the reported stop
		// reason: providers occasionally label a plain reply as a tool
		// request or vice versa.
		if len(resp.Message.ToolCalls) == 0 {
			if _, err := a.store.AppendTurn(sessionID, history.Turn{
				Role:    history.RoleAssistant,
				Content: resp.Message.Content,
			}); err != nil {
				return nil, fmt.Errorf("persist assistant turn: %w", err)
			}

			result := &Result{
				Content:      resp.Message.Content,
				Model:        a.model,
				Rounds:       round + 1,
				InputTokens:  totalInput,
				OutputTokens: totalOutput,
				Truncated:    resp.StopReason == llm.StopMaxTokens,
				ToolsCalled:  toolsCalled,
				Context:      sctx,
			}
			a.finish(ctx, rid, sessionID, sctx, result, startTime)
			return result, nil
		}

		// Assistant turn with its tool calls is durable before any tool
		// runs, so the log always explains why side effects happened.
		if _, err := a.store.AppendTurn(sessionID, history.Turn{
			Role:      history.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: llm.MarshalToolCalls(resp.Message.ToolCalls),
		}); err != nil {
			return nil, fmt.Errorf("persist assistant turn: %w", err)
		}
		messages = append(messages, resp.Message)

		outcomes := a.dispatchTools(ctx, rid, sessionID, resp.Message.ToolCalls, sctx, callback)

		for i, tc := range resp.Message.ToolCalls {
			out := outcomes[i]
			toolsCalled = append(toolsCalled, tc.Function.Name)

			// Deltas merge in invocation order regardless of which
			// goroutine finished first.
			sctx = out.delta.Apply(sctx)

			if _, err := a.store.AppendTurn(sessionID, history.Turn{
				Role:       history.RoleToolResult,
				Content:    out.content,
				ToolCallID: tc.ID,
			}); err != nil {
				return nil, fmt.Errorf("persist tool result: %w", err)
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    out.content,
				ToolCallID: tc.ID,
			})
		}
	}

	// Round budget exhausted: one last call with tools disabled forces
	// the model to produce text for the customer.
	a.logger.Warn("max rounds reached",
		"request_id", rid,
		"session_id", sessionID,
		"max_rounds", a.maxRounds,
	)
	a.abort(rid, sessionID, ExhaustMaxRounds)
	return a.forceTextResponse(ctx, rid, sessionID, messages, sctx, toolsCalled, totalInput, totalOutput, callback, startTime)
}

// callModel invokes the model with bounded retries. Cancellation is
// never retried.
func (a *Agent) callModel(ctx context.Context, messages []llm.Message, toolDefs []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if attempt > 0 {
			a.logger.Warn("retrying model call", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.retryBackoff):
			}
		}
		resp, err := a.llm.ChatStream(ctx, a.model, messages, toolDefs, callback)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

type toolOutcome struct {
	content string
	delta   session.Delta
	ok      bool
}

// dispatchTools executes a round's tool calls concurrently. Every
// handler gets its own snapshot of the session context; outcomes carry
// the per-invocation delta so the caller can merge them
// deterministically. Failures become result text, never an abort.
func (a *Agent) dispatchTools(ctx context.Context, rid, sessionID string, calls []llm.ToolCall, sctx session.Context, callback llm.StreamCallback) []toolOutcome {
	outcomes := make([]toolOutcome, len(calls))

	p := pool.New().WithMaxGoroutines(len(calls))
	for i, tc := range calls {
		p.Go(func() {
			start := time.Now()

			a.logger.Info("tool exec",
				"request_id", rid,
				"tool", tc.Function.Name,
			)
			a.publish(events.KindToolCall, map[string]any{
				"request_id": rid, "tool": tc.Function.Name,
			})
			a.logEvent(sessionID, events.KindToolCall, map[string]any{
				"request_id": rid, "tool": tc.Function.Name,
			})
			if callback != nil {
				call := tc
				callback(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &call})
			}

			toolCtx, cancel := context.WithTimeout(session.WithID(ctx, sessionID), a.toolTimeout)
			defer cancel()

			content, next, err := a.registry.Invoke(toolCtx, tc.Function.Name, tc.Function.Arguments, sctx)
			elapsed := time.Since(start)

			out := toolOutcome{ok: err == nil}
			if err != nil {
				out.content = "Error: " + err.Error()
				a.logger.Error("tool exec failed",
					"request_id", rid,
					"tool", tc.Function.Name,
					"error", err,
				)
				a.publish(events.KindError, map[string]any{
					"request_id": rid, "tool": tc.Function.Name, "error": err.Error(),
				})
				a.logEvent(sessionID, events.KindError, map[string]any{
					"request_id": rid, "tool": tc.Function.Name, "error": err.Error(),
				})
			} else {
				out.content = content
				out.delta = session.Diff(sctx, next)
				a.logger.Debug("tool exec done",
					"request_id", rid,
					"tool", tc.Function.Name,
					"result_len", len(content),
					"elapsed", elapsed.Round(time.Millisecond),
				)
			}
			outcomes[i] = out

			a.publish(events.KindToolDone, map[string]any{
				"request_id":  rid,
				"tool":        tc.Function.Name,
				"ok":          out.ok,
				"duration_ms": elapsed.Milliseconds(),
			})
			if callback != nil {
				ev := llm.StreamEvent{
					Kind:       llm.KindToolCallDone,
					ToolName:   tc.Function.Name,
					ToolResult: out.content,
				}
				if !out.ok {
					ev.ToolError = out.content
				}
				callback(ev)
			}
		})
	}
	p.Wait()

	return outcomes
}

// forceTextResponse makes a final model call with tools disabled so the
// customer always gets a reply, even when the round budget ran out.
func (a *Agent) forceTextResponse(ctx context.Context, rid, sessionID string, messages []llm.Message, sctx session.Context, toolsCalled []string, totalInput, totalOutput int, callback llm.StreamCallback, startTime time.Time) (*Result, error) {
	resp, err := a.callModel(ctx, messages, nil, callback)

	content := "I wasn't able to finish that request. Could you rephrase or break it into smaller steps?"
	if err == nil {
		content = resp.Message.Content
		totalInput += resp.InputTokens
		totalOutput += resp.OutputTokens
	}

	if _, perr := a.store.AppendTurn(sessionID, history.Turn{
		Role:    history.RoleAssistant,
		Content: content,
	}); perr != nil {
		return nil, fmt.Errorf("persist assistant turn: %w", perr)
	}

	result := &Result{
		Content:       content,
		Model:         a.model,
		Rounds:        a.maxRounds,
		InputTokens:   totalInput,
		OutputTokens:  totalOutput,
		Exhausted:     true,
		ExhaustReason: ExhaustMaxRounds,
		ToolsCalled:   toolsCalled,
		Context:       sctx,
	}
	a.finish(ctx, rid, sessionID, sctx, result, startTime)
	return result, nil
}

// finish persists the session context, runs compaction, and emits the
// completion events. Failures here are logged, not returned: the reply
// already exists and belongs to the customer.
func (a *Agent) finish(ctx context.Context, rid, sessionID string, sctx session.Context, result *Result, startTime time.Time) {
	if err := a.store.UpdateContext(sessionID, sctx.Marshal()); err != nil {
		a.logger.Error("failed to persist session context",
			"request_id", rid,
			"session_id", sessionID,
			"error", err,
		)
	}

	if a.compactor != nil {
		compacted, err := a.compactor.MaybeCompact(ctx, sessionID)
		if err != nil {
			a.logger.Error("compaction failed",
				"request_id", rid,
				"session_id", sessionID,
				"error", err,
			)
		} else if compacted {
			a.publish(events.KindCompaction, map[string]any{"session_id": sessionID})
			a.logEvent(sessionID, events.KindCompaction, nil)
		}
	}

	elapsed := time.Since(startTime)
	a.logger.Info("request completed",
		"request_id", rid,
		"session_id", sessionID,
		"rounds", result.Rounds,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"exhausted", result.Exhausted,
		"tools_called", len(result.ToolsCalled),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	a.publish(events.KindRequestComplete, map[string]any{
		"request_id":       rid,
		"model":            result.Model,
		"rounds":           result.Rounds,
		"total_tokens_in":  result.InputTokens,
		"total_tokens_out": result.OutputTokens,
		"elapsed_ms":       elapsed.Milliseconds(),
		"exhausted":        result.Exhausted,
	})
	a.logEvent(sessionID, events.KindRequestComplete, map[string]any{
		"request_id": rid,
		"rounds":     result.Rounds,
		"exhausted":  result.Exhausted,
	})
}

func (a *Agent) abort(rid, sessionID, reason string) {
	a.publish(events.KindRequestAborted, map[string]any{
		"request_id": rid, "reason": reason,
	})
	a.logEvent(sessionID, events.KindRequestAborted, map[string]any{
		"request_id": rid, "reason": reason,
	})
}

// buildMessages converts the session's active turns into the outbound
// model conversation: system prompt first, then the summary block (if
// any) and the verbatim window.
func (a *Agent) buildMessages(sessionID string, sctx session.Context) ([]llm.Message, error) {
	turns, err := a.store.ActiveTurns(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages := make([]llm.Message, 0, len(turns)+1)
	messages = append(messages, llm.Message{Role: "system", Content: a.systemPromptFor(sctx)})

	for _, t := range turns {
		switch t.Role {
		case history.RoleUser:
			messages = append(messages, llm.Message{Role: "user", Content: t.Content})
		case history.RoleAssistant:
			msg := llm.Message{Role: "assistant", Content: t.Content}
			if t.ToolCalls != "" {
				calls, err := llm.ParseToolCalls(t.ToolCalls)
				if err != nil {
					return nil, fmt.Errorf("decode stored tool calls (turn %s): %w", t.ID, err)
				}
				msg.ToolCalls = calls
			}
			messages = append(messages, msg)
		case history.RoleToolResult:
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    t.Content,
				ToolCallID: t.ToolCallID,
			})
		case history.RoleSummary:
			messages = append(messages, llm.Message{Role: "system", Content: t.Content})
		}
	}
	return messages, nil
}

// systemPromptFor appends the live cart state so the model never has to
// guess whether a cart exists.
func (a *Agent) systemPromptFor(sctx session.Context) string {
	if sctx.CartID == "" {
		return a.systemPrompt
	}
	return fmt.Sprintf("%s\n\nCurrent cart: %d item(s), checkout at %s", a.systemPrompt, sctx.ItemsInCart, sctx.CheckoutURL)
}

// publish emits a bus event with the agent source.
func (a *Agent) publish(kind string, data map[string]any) {
	a.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      kind,
		Data:      data,
	})
}

// logEvent writes an analytics event; failures are logged and dropped.
func (a *Agent) logEvent(sessionID, kind string, data map[string]any) {
	if err := a.store.LogEvent(sessionID, kind, data); err != nil {
		a.logger.Warn("failed to log event", "session_id", sessionID, "kind", kind, "error", err)
	}
}
