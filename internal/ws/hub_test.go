package ws_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/foundrylabs/foundry/internal/ws"
	"github.com/foundrylabs/foundry/pkg/logger"
)

func TestFoundry_WS_BroadcastReachesAllClients(t *testing.T) {
	t.Parallel()

	hub, err := ws.NewHub(ws.Config{Logger: logger.New(false)})
	require.NoError(t, err)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	var conns []*websocket.Conn
	for range 3 {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		conns = append(conns, conn)
	}

	// Clients register asynchronously after the upgrade; publish until
	// the first frame arrives.
	deadline := time.Now().Add(5 * time.Second)
	for _, conn := range conns {
		var got ws.Event
		for {
			hub.Publish("pool:updated", map[string]any{"pool_amount": 123})
			_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			_, frame, err := conn.ReadMessage()
			if err == nil {
				require.NoError(t, json.Unmarshal(frame, &got))
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("client never received the broadcast")
			}
		}
		require.Equal(t, "pool:updated", got.Event)
	}
}

func TestFoundry_WS_ConnectAfterStopDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub, err := ws.NewHub(ws.Config{Logger: logger.New(false)})
	require.NoError(t, err)
	go hub.Run()
	hub.Stop()

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// The upgrade may complete, but the stopped hub must refuse the
	// client promptly instead of parking the handler goroutine.
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "stopped hub must close the connection")
}

func TestFoundry_WS_PublishWithoutClientsDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub, err := ws.NewHub(ws.Config{Logger: logger.New(false)})
	require.NoError(t, err)
	go hub.Run()
	t.Cleanup(hub.Stop)

	done := make(chan struct{})
	go func() {
		for range 1_000 {
			hub.Publish("snapshot:taken", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked with no clients connected")
	}
}
