package agentconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebloop/fleetbridge/internal/registry"
)

func TestHandlerRejectsMissingAuthIndex(t *testing.T) {
	reg := registry.New(func() {})
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerRegistersSocketWithRegistry(t *testing.T) {
	reg := registry.New(func() {})
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?authIndex=3"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool {
		_, ok := reg.GetSocketByIdentity(3)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerUnregistersOnClose(t *testing.T) {
	reg := registry.New(func() {})
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?authIndex=5"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := reg.GetSocketByIdentity(5)
		return ok
	}, time.Second, 10*time.Millisecond)

	ws.Close()

	require.Eventually(t, func() bool {
		_, ok := reg.GetSocketByIdentity(5)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
