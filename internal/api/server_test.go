package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vendra-ai/vendra/internal/agent"
	"github.com/vendra-ai/vendra/internal/config"
	"github.com/vendra-ai/vendra/internal/events"
	"github.com/vendra-ai/vendra/internal/history"
	"github.com/vendra-ai/vendra/internal/llm"
	"github.com/vendra-ai/vendra/internal/session"
	"github.com/vendra-ai/vendra/internal/tools"
)

// cannedClient replies with scripted responses in order.
type cannedClient struct {
	responses []*llm.ChatResponse
	calls     int
}

func (c *cannedClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

func (c *cannedClient) ChatStream(_ context.Context, _ string, _ []llm.Message, _ []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	resp := c.responses[min(c.calls, len(c.responses)-1)]
	c.calls++
	if callback != nil && resp.Message.Content != "" {
		callback(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
	}
	return resp, nil
}

func (c *cannedClient) Ping(context.Context) error { return nil }

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:    llm.Message{Role: "assistant", Content: text},
		StopReason: llm.StopCompleted,
		Done:       true,
	}
}

type testAPI struct {
	srv   *httptest.Server
	store *history.Store
	bus   *events.Bus
}

func newTestAPI(t *testing.T, responses ...*llm.ChatResponse) *testAPI {
	t.Helper()

	store, err := history.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if len(responses) == 0 {
		responses = []*llm.ChatResponse{textResponse("hello")}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name:        "get_cart",
		Description: "shows the cart",
		Handler: func(_ context.Context, _ map[string]any, sess session.Context) (string, session.Context, error) {
			return "empty cart", sess, nil
		},
	})

	compactor := history.NewCompactor(store, nil, 0, 0, logger)
	ag := agent.New(logger, &cannedClient{responses: responses}, config.AgentConfig{}, "test-model", store, compactor, registry, bus, "")

	s := NewServer("127.0.0.1:0", ag, store, bus, logger)
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, store: store, bus: bus}
}

func (a *testAPI) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(a.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestAPI(t)

	// Create
	resp := a.post(t, "/api/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	sess := decode[history.Session](t, resp)
	if sess.ID == "" || sess.Status != history.StatusActive {
		t.Fatalf("session = %+v", sess)
	}

	// List includes it
	resp, err := http.Get(a.srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	list := decode[struct {
		Sessions []history.Session `json:"sessions"`
	}](t, resp)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != sess.ID {
		t.Errorf("list = %+v", list)
	}

	// Detail
	resp, _ = http.Get(a.srv.URL + "/api/sessions/" + sess.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail status = %d", resp.StatusCode)
	}
	detail := decode[struct {
		Session history.Session `json:"session"`
		Turns   []history.Turn  `json:"turns"`
	}](t, resp)
	if detail.Session.ID != sess.ID || detail.Turns == nil {
		t.Errorf("detail = %+v", detail)
	}

	// End
	req, _ := http.NewRequest(http.MethodDelete, a.srv.URL+"/api/sessions/"+sess.ID, nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end status = %d", resp.StatusCode)
	}

	got, _ := a.store.GetSession(sess.ID)
	if got.Status != history.StatusEnded {
		t.Errorf("status = %q", got.Status)
	}
}

func TestSessionGetMissing(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := http.Get(a.srv.URL + "/api/sessions/nope")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, a.srv.URL+"/api/sessions/nope", nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete status = %d, want 404", resp.StatusCode)
	}
}

func TestChat(t *testing.T) {
	a := newTestAPI(t, textResponse("We have plenty of boots."))

	created := decode[history.Session](t, a.post(t, "/api/sessions", nil))
	resp := a.post(t, "/api/chat", ChatRequest{SessionID: created.ID, Message: "got boots?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}

	result := decode[ChatResponse](t, resp)
	if result.Reply != "We have plenty of boots." {
		t.Errorf("reply = %q", result.Reply)
	}
	if result.SessionID != created.ID {
		t.Errorf("session_id = %q", result.SessionID)
	}
	if result.Model != "test-model" || result.Rounds != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestChatValidation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing session", ChatRequest{Message: "hi"}, http.StatusBadRequest},
		{"missing message", ChatRequest{SessionID: "s"}, http.StatusBadRequest},
		{"unknown session", ChatRequest{SessionID: "nope", Message: "hi"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.post(t, "/api/chat", tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	t.Run("invalid JSON", func(t *testing.T) {
		resp, err := http.Post(a.srv.URL+"/api/chat", "application/json", strings.NewReader("{broken"))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestChatEndedSessionConflict(t *testing.T) {
	a := newTestAPI(t)

	created := decode[history.Session](t, a.post(t, "/api/sessions", nil))
	a.store.EndSession(created.ID)

	resp := a.post(t, "/api/chat", ChatRequest{SessionID: created.ID, Message: "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestChatStream(t *testing.T) {
	a := newTestAPI(t, textResponse("streamed reply"))

	created := decode[history.Session](t, a.post(t, "/api/sessions", nil))
	resp := a.post(t, "/api/chat/stream", ChatRequest{SessionID: created.ID, Message: "hi"})
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var sawToken, sawDone bool
	var doneData string
	scanner := bufio.NewScanner(resp.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "token":
				sawToken = true
			case "done":
				sawDone = true
				doneData = data
			}
		}
	}
	if !sawToken || !sawDone {
		t.Fatalf("token=%v done=%v", sawToken, sawDone)
	}

	var result ChatResponse
	if err := json.Unmarshal([]byte(doneData), &result); err != nil {
		t.Fatalf("done payload: %v", err)
	}
	if result.Reply != "streamed reply" {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestEventsWebSocket(t *testing.T) {
	a := newTestAPI(t)

	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	a.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCommerce,
		Kind:      events.KindCartCreated,
		Data:      map[string]any{"cart_id": "c1"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindCartCreated || ev.Source != events.SourceCommerce {
		t.Errorf("event = %+v", ev)
	}
}

func TestHealthAndVersion(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	health := decode[map[string]any](t, resp)
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	resp, _ = http.Get(a.srv.URL + "/api/version")
	version := decode[map[string]any](t, resp)
	if version["version"] == "" {
		t.Errorf("version = %v", version)
	}

	resp, _ = http.Get(a.srv.URL + "/")
	root := decode[map[string]string](t, resp)
	if root["name"] != "Vendra" {
		t.Errorf("root = %v", root)
	}
}

func TestMethodRouting(t *testing.T) {
	a := newTestAPI(t)

	// Wrong method on a routed path 405s via the pattern mux.
	resp, err := http.Get(a.srv.URL + "/api/chat")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
