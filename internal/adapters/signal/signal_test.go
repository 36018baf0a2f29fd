package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/RoomScan/internal/core"
	"github.com/dkeye/RoomScan/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair returns the server side of a live websocket connection.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	server := <-serverSide
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func TestWsConnBackpressure(t *testing.T) {
	server, _ := wsPair(t)
	c := newWsConn(server, 2)

	require.NoError(t, c.TrySend(core.Binary([]byte{1})))
	require.NoError(t, c.TrySend(core.Binary([]byte{2})))
	assert.ErrorIs(t, c.TrySend(core.Binary([]byte{3})), core.ErrBackpressure)

	c.CloseWith(core.CloseSlowViewer, "slow viewer")
	c.CloseWith(core.CloseGoingAway, "")
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.TrySend(core.Binary([]byte{4})), core.ErrConnClosed)
	assert.ErrorIs(t, c.Ping(), core.ErrConnClosed)
}

func TestWsConnAuthenticateOnce(t *testing.T) {
	server, _ := wsPair(t)
	c := newWsConn(server, 1)
	assert.Equal(t, domain.RoleUnauthenticated, c.Role())
	assert.True(t, c.ConnectedAt().Equal(c.LastPongAt()))

	tok := domain.Token(strings.Repeat("a", domain.TokenLen))
	require.NoError(t, c.Authenticate(domain.RoleViewer, tok))
	assert.ErrorIs(t, c.Authenticate(domain.RoleProducer, tok), core.ErrAlreadyAuthenticated)
	assert.Equal(t, domain.RoleViewer, c.Role())
	assert.Equal(t, tok, c.Token())
}

func TestWsConnPongUpdatesLiveness(t *testing.T) {
	server, client := wsPair(t)
	c := newWsConn(server, 1)
	before := c.LastPongAt()

	// the pong handler runs inside the server's read loop
	go func() {
		for {
			if _, _, err := server.ReadMessage(); err != nil {
				return
			}
		}
	}()
	// the client answers pings from its own read loop
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Ping())
	require.Eventually(t, func() bool { return c.LastPongAt().After(before) }, 2*time.Second, 5*time.Millisecond)
}
