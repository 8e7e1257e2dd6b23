package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/CollotsSpot/Massiv/internal/ensemble"
	"github.com/CollotsSpot/Massiv/internal/player"
	"github.com/CollotsSpot/Massiv/internal/state"
)

const (
	testServerID      = "e2e-server"
	testServerVersion = "2.6.0"
	testSchemaVersion = 26
)

// fakeServer is an in-process music server speaking the real websocket
// protocol: it pushes server/info on accept, answers correlated
// commands, and maintains a registration list the way the real server
// does.
type fakeServer struct {
	ts *httptest.Server

	// URL is the websocket endpoint clients dial.
	URL string

	mu            sync.Mutex
	players       map[string]registration
	order         []string
	conns         []*serverConn
	accepts       int
	registerCalls int
	saveCalls     int
	updates       []map[string]any
}

type registration struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Available   bool   `json:"available"`
	Provider    string `json:"provider"`
}

// serverConn pairs a connection with a write lock so pushed events and
// command replies never interleave mid-frame.
type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.Write(ctx, websocket.MessageText, data)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	s := &fakeServer{players: make(map[string]registration)}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.ts.Close)

	s.URL = "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"

	return s
}

func (s *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "server shutdown")

	sc := &serverConn{conn: conn}

	ctx := r.Context()
	err = sc.send(ctx, map[string]any{
		"event": "server/info",
		"data": map[string]any{
			"server_id":      testServerID,
			"server_version": testServerVersion,
			"schema_version": testSchemaVersion,
		},
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	s.accepts++
	s.conns = append(s.conns, sc)
	s.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		s.dispatch(ctx, sc, data)
	}
}

func (s *fakeServer) dispatch(ctx context.Context, sc *serverConn, data []byte) {
	var req struct {
		MessageID string         `json:"message_id"`
		Command   string         `json:"command"`
		Args      map[string]any `json:"args"`
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	switch req.Command {
	case "players/all":
		s.mu.Lock()
		list := make([]registration, 0, len(s.order))
		for _, id := range s.order {
			list = append(list, s.players[id])
		}
		s.mu.Unlock()

		_ = sc.send(ctx, map[string]any{"message_id": req.MessageID, "result": list})

	case "builtin_player/register":
		id, _ := req.Args["player_id"].(string)
		name, _ := req.Args["name"].(string)

		s.mu.Lock()
		s.registerCalls++
		if _, known := s.players[id]; !known {
			s.order = append(s.order, id)
		}
		s.players[id] = registration{
			PlayerID:    id,
			DisplayName: name,
			Available:   true,
			Provider:    "builtin_player",
		}
		s.mu.Unlock()

		_ = sc.send(ctx, map[string]any{"message_id": req.MessageID, "result": nil})

	case "config/players/save":
		s.mu.Lock()
		s.saveCalls++
		s.mu.Unlock()

		_ = sc.send(ctx, map[string]any{"message_id": req.MessageID, "result": nil})

	case "builtin_player/update_state":
		s.mu.Lock()
		s.updates = append(s.updates, req.Args)
		s.mu.Unlock()

		_ = sc.send(ctx, map[string]any{"message_id": req.MessageID, "result": nil})

	default:
		_ = sc.send(ctx, map[string]any{
			"message_id": req.MessageID,
			"error_code": "invalid_command",
			"details":    fmt.Sprintf("unknown command %q", req.Command),
		})
	}
}

// seedPlayer pre-populates the registration list, standing in for an
// entry left behind by an earlier installation.
func (s *fakeServer) seedPlayer(reg registration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.players[reg.PlayerID]; !known {
		s.order = append(s.order, reg.PlayerID)
	}
	s.players[reg.PlayerID] = reg
}

func (s *fakeServer) player(id string) (registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.players[id]

	return reg, ok
}

func (s *fakeServer) registerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.registerCalls
}

func (s *fakeServer) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveCalls
}

func (s *fakeServer) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.updates)
}

func (s *fakeServer) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accepts
}

// pushEvent broadcasts a server-pushed event to every live connection.
func (s *fakeServer) pushEvent(event string, data map[string]any) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()

	for _, sc := range conns {
		_ = sc.send(context.Background(), map[string]any{"event": event, "data": data})
	}
}

// dropConnections closes every live connection server-side, simulating
// a network fault from the client's point of view.
func (s *fakeServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, sc := range conns {
		_ = sc.conn.Close(websocket.StatusGoingAway, "dropped")
	}
}

// connectedClient wires a running client against the fake server and
// tears everything down with the test.
func connectedClient(t *testing.T, s *fakeServer) *ensemble.Client {
	t.Helper()

	client := ensemble.NewClient(ensemble.ClientConfig{
		URL:            s.URL,
		RequestTimeout: 5 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("client Run did not exit")
		}
	})

	require.NoError(t, client.Connect(ctx))

	return client
}

func testState(t *testing.T) *state.State {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func testController(client *ensemble.Client, st *state.State, playerID, playerName string) *player.Controller {
	return player.NewController(client, player.IdleSource{}, st, player.ControllerConfig{
		PlayerID:          playerID,
		PlayerName:        playerName,
		Backoff:           10 * time.Millisecond,
		VerifyDelay:       time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
}
