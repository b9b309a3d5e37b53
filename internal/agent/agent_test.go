package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vendra-ai/vendra/internal/config"
	"github.com/vendra-ai/vendra/internal/events"
	"github.com/vendra-ai/vendra/internal/history"
	"github.com/vendra-ai/vendra/internal/llm"
	"github.com/vendra-ai/vendra/internal/session"
	"github.com/vendra-ai/vendra/internal/tools"
)

// scriptedClient returns canned responses in order. After the script
// runs out it repeats the last entry.
type scriptedClient struct {
	mu        sync.Mutex
	script    []scriptStep
	calls     int
	lastTools []map[string]any
}

type scriptStep struct {
	resp *llm.ChatResponse
	err  error
}

func reply(text string) scriptStep {
	return scriptStep{resp: &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", Content: text},
		StopReason:   llm.StopCompleted,
		Done:         true,
		InputTokens:  10,
		OutputTokens: 5,
	}}
}

func toolRound(calls ...llm.ToolCall) scriptStep {
	return scriptStep{resp: &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", ToolCalls: calls},
		StopReason:   llm.StopToolRequested,
		Done:         true,
		InputTokens:  10,
		OutputTokens: 5,
	}}
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

func (c *scriptedClient) ChatStream(_ context.Context, _ string, _ []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	c.mu.Lock()
	step := c.script[min(c.calls, len(c.script)-1)]
	c.calls++
	c.lastTools = tools
	c.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	if callback != nil && step.resp.Message.Content != "" {
		callback(llm.StreamEvent{Kind: llm.KindToken, Token: step.resp.Message.Content})
	}
	resp := *step.resp
	return &resp, nil
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// cartTool updates the session context; noteTool only returns text.
func testRegistry() *tools.Registry {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name:        "start_cart",
		Description: "starts a cart",
		Handler: func(_ context.Context, _ map[string]any, sess session.Context) (string, session.Context, error) {
			sess.CartID = "cart1"
			sess.CheckoutURL = "https://shop/checkout"
			sess.ItemsInCart = 1
			return `{"cart_id":"cart1"}`, sess, nil
		},
	})
	r.Register(&tools.Tool{
		Name:        "count_items",
		Description: "reports the item count",
		Handler: func(_ context.Context, _ map[string]any, sess session.Context) (string, session.Context, error) {
			return "0 items", sess, nil
		},
	})
	r.Register(&tools.Tool{
		Name:        "broken_tool",
		Description: "always fails",
		Handler: func(_ context.Context, _ map[string]any, sess session.Context) (string, session.Context, error) {
			return "", sess, errors.New("backend exploded")
		},
	})
	return r
}

type fixture struct {
	agent  *Agent
	store  *history.Store
	client *scriptedClient
	bus    *events.Bus
	sessID string
}

func newFixture(t *testing.T, cfg config.AgentConfig, script ...scriptStep) *fixture {
	t.Helper()

	store, err := history.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sess, err := store.CreateSession()
	if err != nil {
		t.Fatal(err)
	}

	client := &scriptedClient{script: script}
	compactor := history.NewCompactor(store, nil, 0, 0, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()
	a := New(logger, client, cfg, "test-model", store, compactor, testRegistry(), bus, "")
	return &fixture{agent: a, store: store, client: client, bus: bus, sessID: sess.ID}
}

// drainEvents empties a subscription channel without blocking. Publish
// completes before ProcessMessage returns, so everything already sits
// in the channel buffer.
func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestPlainReply(t *testing.T) {
	f := newFixture(t, config.AgentConfig{}, reply("We stock three boot styles."))

	res, err := f.agent.ProcessMessage(context.Background(), f.sessID, "what boots do you have?")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Content != "We stock three boot styles." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Rounds != 1 || res.Exhausted {
		t.Errorf("result = %+v", res)
	}
	if res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", res.InputTokens, res.OutputTokens)
	}

	// Both turns durable, user first.
	turns, _ := f.store.AllTurns(f.sessID)
	if len(turns) != 2 {
		t.Fatalf("turns = %d", len(turns))
	}
	if turns[0].Role != history.RoleUser || turns[1].Role != history.RoleAssistant {
		t.Errorf("roles = %s, %s", turns[0].Role, turns[1].Role)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, config.AgentConfig{}, reply("x"))

	if _, err := f.agent.ProcessMessage(context.Background(), f.sessID, "   "); err == nil {
		t.Error("blank message should be rejected")
	}
	if f.client.callCount() != 0 {
		t.Error("model should not be called for a blank message")
	}
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t, config.AgentConfig{}, reply("x"))

	_, err := f.agent.ProcessMessage(context.Background(), "no-such-session", "hi")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionEnded(t *testing.T) {
	f := newFixture(t, config.AgentConfig{}, reply("x"))
	f.store.EndSession(f.sessID)

	_, err := f.agent.ProcessMessage(context.Background(), f.sessID, "hi")
	if !errors.Is(err, ErrSessionEnded) {
		t.Errorf("err = %v, want ErrSessionEnded", err)
	}
}

func TestToolRoundTrip(t *testing.T) {
	f := newFixture(t, config.AgentConfig{},
		toolRound(llm.NewToolCall("t1", "start_cart", nil)),
		reply("Your cart is ready."),
	)

	res, err := f.agent.ProcessMessage(context.Background(), f.sessID, "start me a cart")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Content != "Your cart is ready." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", res.Rounds)
	}
	if len(res.ToolsCalled) != 1 || res.ToolsCalled[0] != "start_cart" {
		t.Errorf("tools called = %v", res.ToolsCalled)
	}
	if res.Context.CartID != "cart1" || res.Context.ItemsInCart != 1 {
		t.Errorf("context = %+v", res.Context)
	}

	// The log explains the side effect: user, assistant+tool_calls,
	// tool_result, final assistant.
	turns, _ := f.store.AllTurns(f.sessID)
	if len(turns) != 4 {
		t.Fatalf("turns = %d", len(turns))
	}
	if turns[1].Role != history.RoleAssistant || turns[1].ToolCalls == "" {
		t.Errorf("turn 2 = %+v", turns[1])
	}
	if turns[2].Role != history.RoleToolResult || turns[2].ToolCallID != "t1" {
		t.Errorf("turn 3 = %+v", turns[2])
	}

	// Context survives in the session record.
	sess, _ := f.store.GetSession(f.sessID)
	if session.Unmarshal(sess.Context).CartID != "cart1" {
		t.Errorf("persisted context = %q", sess.Context)
	}
}

func TestParallelToolsMergeInOrder(t *testing.T) {
	f := newFixture(t, config.AgentConfig{},
		toolRound(
			llm.NewToolCall("t1", "start_cart", nil),
			llm.NewToolCall("t2", "count_items", nil),
		),
		reply("done"),
	)

	res, err := f.agent.ProcessMessage(context.Background(), f.sessID, "cart plus count")
	if err != nil {
		t.Fatal(err)
	}
	// count_items saw the pre-round snapshot and changed nothing; its
	// no-op delta must not clobber start_cart's effect.
	if res.Context.CartID != "cart1" {
		t.Errorf("context = %+v", res.Context)
	}

	// Tool results append in invocation order regardless of completion
	// order.
	turns, _ := f.store.AllTurns(f.sessID)
	var resultIDs []string
	for _, turn := range turns {
		if turn.Role == history.RoleToolResult {
			resultIDs = append(resultIDs, turn.ToolCallID)
		}
	}
	if len(resultIDs) != 2 || resultIDs[0] != "t1" || resultIDs[1] != "t2" {
		t.Errorf("result order = %v", resultIDs)
	}
}

func TestToolFailureFoldedIntoConversation(t *testing.T) {
	f := newFixture(t, config.AgentConfig{},
		toolRound(llm.NewToolCall("t1", "broken_tool", nil)),
		reply("Sorry, that did not work."),
	)

	res, err := f.agent.ProcessMessage(context.Background(), f.sessID, "try the thing")
	if err != nil {
		t.Fatalf("tool failure must not abort the request: %v", err)
	}
	if res.Content != "Sorry, that did not work." {
		t.Errorf("content = %q", res.Content)
	}

	turns, _ := f.store.AllTurns(f.sessID)
	var toolResult string
	for _, turn := range turns {
		if turn.Role == history.RoleToolResult {
			toolResult = turn.Content
		}
	}
	if !strings.HasPrefix(toolResult, "Error: ") {
		t.Errorf("tool result = %q", toolResult)
	}
}

func TestToolFailureEmitsErrorEvent(t *testing.T) {
	f := newFixture(t, config.AgentConfig{},
		toolRound(llm.NewToolCall("t1", "broken_tool", nil)),
		reply("moving on"),
	)
	ch := f.bus.Subscribe(64)
	defer f.bus.Unsubscribe(ch)

	if _, err := f.agent.ProcessMessage(context.Background(), f.sessID, "try it"); err != nil {
		t.Fatal(err)
	}

	var errEvt *events.Event
	for _, evt := range drainEvents(ch) {
		if evt.Kind == events.KindError {
			e := evt
			errEvt = &e
		}
	}
	if errEvt == nil {
		t.Fatal("tool failure should publish an error event")
	}
	if errEvt.Data["tool"] != "broken_tool" {
		t.Errorf("error event data = %v", errEvt.Data)
	}
}

func TestUnknownToolFolded(t *testing.T) {
	f := newFixture(t, config.AgentConfig{},
		toolRound(llm.NewToolCall("t1", "imaginary_tool", nil)),
		reply("Let me try that differently."),
	)

	if _, err := f.agent.ProcessMessage(context.Background(), f.sessID, "do the imaginary thing"); err != nil {
		t.Fatalf("unknown tool must not abort: %v", err)
	}

	turns, _ := f.store.AllTurns(f.sessID)
	found := false
	for _, turn := range turns {
		if turn.Role == history.RoleToolResult && strings.Contains(turn.Content, "unknown tool") {
			found = true
		}
	}
	if !found {
		t.Error("unknown-tool error should appear as a tool result")
	}
}

func TestMaxRoundsForcesTextReply(t *testing.T) {
	steps := []scriptStep{
		toolRound(llm.NewToolCall("t1", "count_items", nil)),
		toolRound(llm.NewToolCall("t2", "count_items", nil)),
		toolRound(llm.NewToolCall("t3", "count_items", nil)),
		reply("Here is where we landed."),
	}
	f := newFixture(t, config.AgentConfig{MaxRounds: 3}, steps...)

	res, err := f.agent.ProcessMessage(context.Background(), f.sessID, "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Exhausted || res.ExhaustReason != ExhaustMaxRounds {
		t.Errorf("result = %+v", res)
	}
	if res.Content != "Here is where we landed." {
		t.Errorf("content = %q", res.Content)
	}
	// The forced call carries no tool definitions.
	if f.client.lastTools != nil {
		t.Errorf("final call tools = %v, want nil", f.client.lastTools)
	}
	if f.client.callCount() != 4 {
		t.Errorf("model calls = %d, want 4", f.client.callCount())
	}
}

func TestMaxRoundsRecordsAbort(t *testing.T) {
	f := newFixture(t, config.AgentConfig{MaxRounds: 1},
		toolRound(llm.NewToolCall("t1", "count_items", nil)),
		reply("stopping here"),
	)
	ch := f.bus.Subscribe(64)
	defer f.bus.Unsubscribe(ch)

	res, err := f.agent.ProcessMessage(context.Background(), f.sessID, "keep going")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Exhausted {
		t.Fatalf("result = %+v", res)
	}

	var abort *events.Event
	for _, evt := range drainEvents(ch) {
		if evt.Kind == events.KindRequestAborted {
			e := evt
			abort = &e
		}
	}
	if abort == nil {
		t.Fatal("round exhaustion should record an aborted event")
	}
	if abort.Data["reason"] != ExhaustMaxRounds {
		t.Errorf("abort reason = %v, want %q", abort.Data["reason"], ExhaustMaxRounds)
	}
}

func TestMaxRoundsFallbackText(t *testing.T) {
	steps := []scriptStep{
		toolRound(llm.NewToolCall("t1", "count_items", nil)),
		{err: errors.New("provider down")},
	}
	f := newFixture(t, config.AgentConfig{MaxRounds: 1}, steps...)

	res, err := f.agent.ProcessMessage(context.Background(), f.sessID, "hi")
	if err != nil {
		t.Fatalf("forced reply must not fail the request: %v", err)
	}
	if !res.Exhausted || res.Content == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestModelRetry(t *testing.T) {
	steps := []scriptStep{
		{err: errors.New("transient 529")},
		reply("recovered"),
	}
	f := newFixture(t, config.AgentConfig{ModelRetries: 2, RetryBackoffMS: 1}, steps...)

	res, err := f.agent.ProcessMessage(context.Background(), f.sessID, "hi")
	if err != nil {
		t.Fatalf("retry should have recovered: %v", err)
	}
	if res.Content != "recovered" {
		t.Errorf("content = %q", res.Content)
	}
	if f.client.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", f.client.callCount())
	}
}

func TestModelRetriesExhausted(t *testing.T) {
	steps := []scriptStep{
		{err: errors.New("down")},
		{err: errors.New("down")},
	}
	f := newFixture(t, config.AgentConfig{ModelRetries: 1, RetryBackoffMS: 1}, steps...)

	if _, err := f.agent.ProcessMessage(context.Background(), f.sessID, "hi"); err == nil {
		t.Error("exhausted retries should fail the request")
	}

	// The user turn survives the failure.
	turns, _ := f.store.AllTurns(f.sessID)
	if len(turns) != 1 || turns[0].Role != history.RoleUser {
		t.Errorf("turns = %+v", turns)
	}
}

func TestTruncatedReply(t *testing.T) {
	step := scriptStep{resp: &llm.ChatResponse{
		Message:    llm.Message{Role: "assistant", Content: "cut off mid"},
		StopReason: llm.StopMaxTokens,
		Done:       true,
	}}
	f := newFixture(t, config.AgentConfig{}, step)

	res, err := f.agent.ProcessMessage(context.Background(), f.sessID, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("max_tokens stop should mark the result truncated")
	}
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t, config.AgentConfig{}, reply("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.agent.ProcessMessage(ctx, f.sessID, "hi"); err == nil {
		t.Error("cancelled context should abort the request")
	}
}

func TestStreamCallbackSeesToolLifecycle(t *testing.T) {
	f := newFixture(t, config.AgentConfig{},
		toolRound(llm.NewToolCall("t1", "start_cart", nil)),
		reply("done"),
	)

	var mu sync.Mutex
	var kinds []llm.StreamEventKind
	cb := func(ev llm.StreamEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}

	if _, err := f.agent.ProcessMessageStream(context.Background(), f.sessID, "hi", cb); err != nil {
		t.Fatal(err)
	}

	var sawStart, sawDone, sawToken bool
	for _, k := range kinds {
		switch k {
		case llm.KindToolCallStart:
			sawStart = true
		case llm.KindToolCallDone:
			sawDone = true
		case llm.KindToken:
			sawToken = true
		}
	}
	if !sawStart || !sawDone || !sawToken {
		t.Errorf("events = %v", kinds)
	}
}

func TestStreamCallbackNotConcurrent(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	sess, err := store.CreateSession()
	if err != nil {
		t.Fatal(err)
	}

	// Two tools that rendezvous inside their handlers, so both pool
	// goroutines are in flight at once and race to deliver events.
	gate := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(2)
	hold := func(_ context.Context, _ map[string]any, sctx session.Context) (string, session.Context, error) {
		entered.Done()
		<-gate
		return "ok", sctx, nil
	}
	go func() {
		entered.Wait()
		close(gate)
	}()

	r := tools.NewRegistry()
	r.Register(&tools.Tool{Name: "hold_a", Description: "blocks until both tools run", Handler: hold})
	r.Register(&tools.Tool{Name: "hold_b", Description: "blocks until both tools run", Handler: hold})

	client := &scriptedClient{script: []scriptStep{
		toolRound(
			llm.NewToolCall("t1", "hold_a", nil),
			llm.NewToolCall("t2", "hold_b", nil),
		),
		reply("done"),
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(logger, client, config.AgentConfig{}, "test-model", store, nil, r, nil, "")

	var active atomic.Int32
	var overlapped atomic.Bool
	cb := func(llm.StreamEvent) {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
	}

	if _, err := a.ProcessMessageStream(context.Background(), sess.ID, "hold both", cb); err != nil {
		t.Fatal(err)
	}
	if overlapped.Load() {
		t.Error("stream callback was entered by two goroutines at once")
	}
}

func TestSystemPromptCarriesCartState(t *testing.T) {
	f := newFixture(t, config.AgentConfig{}, reply("x"))

	plain := f.agent.systemPromptFor(session.Context{})
	if strings.Contains(plain, "Current cart") {
		t.Error("no cart, no cart line")
	}

	withCart := f.agent.systemPromptFor(session.Context{
		CartID: "c1", CheckoutURL: "https://shop/checkout", ItemsInCart: 2,
	})
	if !strings.Contains(withCart, "2 item(s)") || !strings.Contains(withCart, "https://shop/checkout") {
		t.Errorf("prompt = %q", withCart)
	}
}

func TestMultiTurnConversationContext(t *testing.T) {
	f := newFixture(t, config.AgentConfig{}, reply("first"), reply("second"))

	if _, err := f.agent.ProcessMessage(context.Background(), f.sessID, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.agent.ProcessMessage(context.Background(), f.sessID, "two"); err != nil {
		t.Fatal(err)
	}

	// Second request rebuilds the conversation from the durable log.
	turns, _ := f.store.ActiveTurns(f.sessID)
	if len(turns) != 4 {
		t.Errorf("active turns = %d, want 4", len(turns))
	}
}
