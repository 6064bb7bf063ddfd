package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/infrastructure/eventbus"
	"github.com/tallybot/tallybot/pkg/session"
)

func newTestServer(t *testing.T, token string) (*Server, *httptest.Server) {
	t.Helper()

	store := session.NewStore(20)
	if _, err := store.Update("discord:100", "discord", func(c *session.Context) {
		c.AppendTurn(domain.RoleUser, "alice: hi")
		c.ObserveCount("u1", "m1", "1", 0)
	}); err != nil {
		t.Fatal(err)
	}

	s := NewServer(Config{
		Addr:  "127.0.0.1:0",
		Token: token,
		Store: store,
		Bus:   eventbus.New(),
	})
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHealthIsPublic(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 without a token", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthGuardsAPIRoutes(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	tests := []struct {
		name   string
		header func(*http.Request)
		want   int
	}{
		{"no token", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, http.StatusOK},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-API-Key", "secret") }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
			if err != nil {
				t.Fatal(err)
			}
			tt.header(req)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestQueryTokenAccepted(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	resp, err := http.Get(ts.URL + "/api/status?token=secret")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with query token", resp.StatusCode)
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", resp.StatusCode)
	}
}

func TestStatusReportsStore(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		UptimeSeconds int      `json:"uptime_seconds"`
		Sessions      int      `json:"sessions"`
		Channels      []string `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", body.Sessions)
	}
	if len(body.Channels) != 1 || body.Channels[0] != "discord:100" {
		t.Errorf("channels = %v", body.Channels)
	}
}

func TestSessionsListAndDetail(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var list []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(list) != 1 || list[0]["key"] != "discord:100" {
		t.Fatalf("list = %v", list)
	}
	if list[0]["expected_next"].(float64) != 2 {
		t.Errorf("expected_next = %v, want 2", list[0]["expected_next"])
	}

	resp, err = http.Get(ts.URL + "/api/sessions/discord:100")
	if err != nil {
		t.Fatal(err)
	}
	var snap session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if snap.Key != "discord:100" || len(snap.History) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	resp, err = http.Get(ts.URL + "/api/sessions/discord:404")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsExposed(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestFeedForwardsDomainEvents(t *testing.T) {
	s, ts := newTestServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	s.feed.Attach()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// First frame is the initial state.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var initial FeedEvent
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if initial.Type != "initial_state" {
		t.Fatalf("first frame type = %q, want initial_state", initial.Type)
	}

	s.feed.bus.Publish(domain.NewEvent(domain.EventCountingAdvanced, "discord:100", domain.Metadata{
		"next": "3",
	}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var evt FeedEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != "counting.advanced" {
		t.Errorf("event type = %q, want counting.advanced", evt.Type)
	}
	data, ok := evt.Data.(map[string]interface{})
	if !ok || data["aggregate_id"] != "discord:100" {
		t.Errorf("event data = %v", evt.Data)
	}
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*http.Request)
		want string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"bearer padded", func(r *http.Request) { r.Header.Set("Authorization", "Bearer  abc ") }, "abc"},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-API-Key", "xyz") }, "xyz"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=qqq" }, "qqq"},
		{"none", func(r *http.Request) {}, ""},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			tt.mod(req)
			if got := extractToken(req); got != tt.want {
				t.Errorf("extractToken = %q, want %q", got, tt.want)
			}
		})
	}
}
