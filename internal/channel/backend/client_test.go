package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/brmartins/courier/internal/channel"
)

func TestSendCarriesIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		var wire wireMessage
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if wire.ClientID != "local-abc" {
			t.Errorf("client_id = %q, want local-abc", wire.ClientID)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "srv-1"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "tok"}, zap.NewNop())
	id, err := c.Send(context.Background(), channel.OutboundMessage{
		ClientID:       "local-abc",
		ConversationID: "conv1",
		SenderID:       "me",
		Body:           "hello",
		Kind:           channel.KindText,
		SentAt:         time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "srv-1" {
		t.Errorf("server id = %q, want srv-1", id)
	}
	if gotKey != "local-abc" {
		t.Errorf("idempotency key = %q, want local-abc", gotKey)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("authorization = %q, want bearer token", gotAuth)
	}
}

func TestSendClassifiesFailures(t *testing.T) {
	cases := []struct {
		code  int
		check func(error) bool
		name  string
	}{
		{http.StatusUnauthorized, channel.IsPermission, "permission"},
		{http.StatusForbidden, channel.IsPermission, "permission"},
		{http.StatusBadRequest, channel.IsInvalid, "invalid"},
		{http.StatusUnprocessableEntity, channel.IsInvalid, "invalid"},
		{http.StatusInternalServerError, channel.IsConnectivity, "connectivity"},
		{http.StatusTooManyRequests, channel.IsConnectivity, "connectivity"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.code)
		}))
		c := New(Config{BaseURL: srv.URL}, zap.NewNop())
		_, err := c.Send(context.Background(), channel.OutboundMessage{ClientID: "local-1", Body: "x"})
		srv.Close()
		if err == nil {
			t.Errorf("status %d: no error", tc.code)
			continue
		}
		if !tc.check(err) {
			t.Errorf("status %d: classified wrong, want %s, got %v", tc.code, tc.name, err)
		}
	}
}

func TestSendUnreachableIsConnectivity(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())
	_, err := c.Send(context.Background(), channel.OutboundMessage{ClientID: "local-1", Body: "x"})
	if err == nil {
		t.Fatal("no error for unreachable backend")
	}
	if !channel.IsConnectivity(err) {
		t.Errorf("err = %v, want connectivity", err)
	}
}

func TestFetchPageDecodesTranslations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cursor"); got != "page-2" {
			t.Errorf("cursor = %q, want page-2", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q, want 50", got)
		}
		_, _ = w.Write([]byte(`{
			"messages": [
				{"id":"srv-1","conversation_id":"conv1","sender_id":"a","body":"hola","kind":"text","status":"sent","timestamp":1700000000000,"translation":"hello"},
				{"id":"srv-2","conversation_id":"conv1","sender_id":"b","body":"bonjour","kind":"text","status":"sent","timestamp":1700000001000,"translation":{"translatedText":"hi","lang":"en"}},
				{"id":"srv-3","conversation_id":"conv1","sender_id":"c","body":"ciao","kind":"text","status":"sent","timestamp":1700000002000,"translation":12345}
			],
			"next_cursor": "page-3"
		}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, zap.NewNop())
	page, err := c.FetchPage(context.Background(), "conv1", 50, "page-2")
	if err != nil {
		t.Fatal(err)
	}
	if page.NextCursor != "page-3" {
		t.Errorf("next cursor = %q, want page-3", page.NextCursor)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(page.Messages))
	}
	if got := page.Messages[0].DisplayBody(); got != "hello" {
		t.Errorf("string translation: DisplayBody = %q, want hello", got)
	}
	if got := page.Messages[1].DisplayBody(); got != "hi" {
		t.Errorf("object translation: DisplayBody = %q, want hi", got)
	}
	// Malformed translation falls back to the original body.
	if got := page.Messages[2].DisplayBody(); got != "ciao" {
		t.Errorf("malformed translation: DisplayBody = %q, want ciao", got)
	}
}

func TestUpdateStatus(t *testing.T) {
	var gotPath, gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotStatus = body["status"]
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, zap.NewNop())
	if err := c.UpdateStatus(context.Background(), "srv-1", channel.StatusDelivered); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/messages/srv-1/status" {
		t.Errorf("path = %q", gotPath)
	}
	if gotStatus != "delivered" {
		t.Errorf("status = %q, want delivered", gotStatus)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	c := New(Config{BaseURL: srv.URL}, zap.NewNop())
	if !c.Probe(context.Background()) {
		t.Error("probe failed against healthy backend")
	}
	srv.Close()
	if c.Probe(context.Background()) {
		t.Error("probe succeeded against closed backend")
	}
}

func TestSubscribeStreamsBatches(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/conversations/conv1/stream") {
			t.Errorf("stream path = %q", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frame := streamFrame{
			Type: "messages",
			Messages: []wireMessage{
				{ID: "srv-1", ConversationID: "conv1", SenderID: "a", Body: "hi", Kind: "text", Status: "sent", Timestamp: 1700000000000},
			},
		}
		data, _ := json.Marshal(frame)
		_ = conn.WriteMessage(websocket.TextMessage, data)
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{WSURL: wsURL}, zap.NewNop())

	var mu sync.Mutex
	var got []channel.Message
	release, err := c.Subscribe(context.Background(), "conv1", 50, func(msgs []channel.Message) {
		mu.Lock()
		got = append(got, msgs...)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			mu.Lock()
			defer mu.Unlock()
			if got[0].ID != "srv-1" || got[0].Body != "hi" {
				t.Errorf("message = %+v", got[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no batch received from stream")
}
