package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/rideline/internal/event"
	"github.com/dukerupert/rideline/internal/logging"
	"github.com/dukerupert/rideline/internal/model"
)

// channelServer accepts one authenticated client, records the rooms it
// joins, and pushes a single stats-update frame.
func channelServer(t *testing.T, token string, joined chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := ws.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env event.Envelope
		json.Unmarshal(data, &env)
		var payload struct {
			Room string `json:"room"`
		}
		json.Unmarshal(env.Data, &payload)
		joined <- env.Type + ":" + payload.Room

		c.Write(ctx, ws.MessageText, []byte(`{"type":"stats-update","data":{"ordersToday":4}}`))

		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketDialerEndToEnd(t *testing.T) {
	joined := make(chan string, 1)
	srv := channelServer(t, "good-token", joined)
	defer srv.Close()

	received := make(chan string, 1)
	cfg := fastConfig()
	cfg.URL = wsURL(srv.URL)
	m := NewManager(cfg, WebSocketDialer{}, func(b []byte) { received <- string(b) }, nil, logging.Discard())
	defer m.Disconnect()

	if err := m.Connect(context.Background(), "good-token", model.Identity{UserID: "r1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case got := <-joined:
		if got != "join-room:user-r1" {
			t.Errorf("joined = %q, want join-room:user-r1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for join-room")
	}

	select {
	case got := <-received:
		if !strings.Contains(got, `"stats-update"`) {
			t.Errorf("unexpected frame %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pushed frame")
	}
}

func TestWebSocketDialerUnauthorized(t *testing.T) {
	srv := channelServer(t, "good-token", make(chan string, 1))
	defer srv.Close()

	_, err := WebSocketDialer{}.Dial(context.Background(), wsURL(srv.URL), "bad-token")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestWebSocketDialerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv.URL)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := WebSocketDialer{}.Dial(ctx, url, "tok")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
