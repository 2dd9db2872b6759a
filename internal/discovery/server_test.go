package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

// ── Mocks ─────────────────────────────────────────────────────────────────────

type fakeCatalog struct{}

func (fakeCatalog) Search(_ context.Context, query string) (any, error) {
	return []map[string]string{{"slug": "weather", "query": query}}, nil
}

func (fakeCatalog) Info(_ context.Context, slug string) (any, error) {
	if slug != "weather" {
		return nil, errors.New("service not found")
	}
	return map[string]string{"slug": slug, "entry": "/gatekeeper/weather/resource"}, nil
}

func newServer() (*Server, *Registry) {
	reg := NewRegistry()
	return NewServer(reg, fakeCatalog{}, "test", zap.NewNop()), reg
}

func rpc(method, params string) Request {
	r := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method}
	if params != "" {
		r.Params = json.RawMessage(params)
	}
	return r
}

func toolText(t *testing.T, resp Response) (string, bool) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error %+v", resp.Error)
	}
	tr, ok := resp.Result.(toolResult)
	if !ok || len(tr.Content) != 1 {
		t.Fatalf("unexpected result %#v", resp.Result)
	}
	return tr.Content[0].Text, tr.IsError
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	id, out := reg.Open()
	if !reg.Exists(id) || reg.Len() != 1 {
		t.Fatal("session should be registered")
	}
	if err := reg.Send(id, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if got := <-out; string(got) != "hi" {
		t.Errorf("got %q", got)
	}
	for i := 0; i < sessionBuffer; i++ {
		reg.Send(id, []byte("x"))
	}
	if err := reg.Send(id, []byte("overflow")); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("got %v, want ErrSessionBusy", err)
	}

	reg.Close(id)
	reg.Close(id)
	if err := reg.Send(id, []byte("late")); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("got %v, want ErrUnknownSession", err)
	}

	_, out2 := reg.Open()
	reg.CloseAll()
	if _, ok := <-out2; ok {
		t.Error("CloseAll should close queues")
	}
}

// ── Dispatch ──────────────────────────────────────────────────────────────────

func TestDispatch_Initialize(t *testing.T) {
	s, _ := newServer()
	resp := s.Dispatch(context.Background(), rpc("initialize", `{}`))
	m, _ := resp.Result.(map[string]any)
	if m["protocolVersion"] != ProtocolVersion || string(resp.ID) != "1" {
		t.Errorf("unexpected initialize result %+v", resp)
	}
}

func TestDispatch_ToolsList(t *testing.T) {
	s, _ := newServer()
	resp := s.Dispatch(context.Background(), rpc("tools/list", ""))
	m := resp.Result.(map[string]any)
	list := m["tools"].([]Tool)
	if len(list) != 2 || list[0].Name != "search_services" || list[1].Name != "get_service_info" {
		t.Errorf("tools = %+v", list)
	}
}

func TestDispatch_ToolsCall(t *testing.T) {
	s, _ := newServer()

	text, isErr := toolText(t, s.Dispatch(context.Background(),
		rpc("tools/call", `{"name":"search_services","arguments":{"query":"rain"}}`)))
	if isErr || !strings.Contains(text, `"query":"rain"`) {
		t.Errorf("search result %q", text)
	}

	text, isErr = toolText(t, s.Dispatch(context.Background(),
		rpc("tools/call", `{"name":"get_service_info","arguments":{"slug":"weather"}}`)))
	if isErr || !strings.Contains(text, "/gatekeeper/weather/resource") {
		t.Errorf("info result %q", text)
	}

	text, isErr = toolText(t, s.Dispatch(context.Background(),
		rpc("tools/call", `{"name":"get_service_info","arguments":{"slug":"nope"}}`)))
	if !isErr || text != "service not found" {
		t.Errorf("tool failure should be an isError result, got %q", text)
	}
}

func TestDispatch_Errors(t *testing.T) {
	s, _ := newServer()
	cases := []struct {
		req  Request
		code int
	}{
		{rpc("resources/list", ""), CodeMethodNotFound},
		{rpc("tools/call", `{"name":"drop_tables"}`), CodeInvalidParams},
		{rpc("tools/call", `{"name":"get_service_info","arguments":{}}`), CodeInvalidParams},
		{rpc("tools/call", `[1,2]`), CodeInvalidParams},
		{Request{JSONRPC: "1.0", ID: json.RawMessage(`2`), Method: "ping"}, CodeInvalidRequest},
	}
	for _, tc := range cases {
		resp := s.Dispatch(context.Background(), tc.req)
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Errorf("%s: got %+v, want code %d", tc.req.Method, resp.Error, tc.code)
		}
	}
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func TestHandleMessage_UnknownSession(t *testing.T) {
	s, _ := newServer()
	r := gin.New()
	s.Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp/messages?sessionId=missing",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
}

func TestHandleMessage_QueuesResponse(t *testing.T) {
	s, reg := newServer()
	r := gin.New()
	s.Register(r)
	id, out := reg.Open()

	post := func(body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp/messages?sessionId="+id, strings.NewReader(body)))
		return w.Code
	}

	if code := post(`{"jsonrpc":"2.0","id":7,"method":"ping"}`); code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", code)
	}
	var resp Response
	json.Unmarshal(<-out, &resp)
	if string(resp.ID) != "7" || resp.Error != nil {
		t.Errorf("unexpected response %+v", resp)
	}

	if code := post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`); code != http.StatusAccepted {
		t.Fatalf("notification: got %d", code)
	}
	select {
	case msg := <-out:
		t.Errorf("notifications get no response, got %s", msg)
	default:
	}

	post(`{not json`)
	json.Unmarshal(<-out, &resp)
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp)
	}
}

func TestStream_EndToEnd(t *testing.T) {
	s, reg := newServer()
	r := gin.New()
	s.Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	events := bufio.NewReader(resp.Body)
	event, data := readEvent(t, events)
	if event != "endpoint" || !strings.HasPrefix(data, "/mcp/messages?sessionId=") {
		t.Fatalf("first event %q %q", event, data)
	}
	if reg.Len() != 1 {
		t.Fatalf("session not registered")
	}

	post, err := http.Post(srv.URL+data, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`))
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusAccepted {
		t.Fatalf("post status %d", post.StatusCode)
	}

	event, data = readEvent(t, events)
	if event != "message" || !strings.Contains(data, `"search_services"`) || !strings.Contains(data, `"id":"a"`) {
		t.Fatalf("message event %q %q", event, data)
	}
}

// readEvent reads one SSE event and returns its name and data.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}
