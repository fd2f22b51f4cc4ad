package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/lockerfleet/internal/models"
	testutil "github.com/lockerfleet/lockerfleet/internal/testing"
)

func TestHubPushesSessionStates(t *testing.T) {
	f := newFixture(t)
	f.seedStation(t, testutil.StationOpts{})
	f.seedLocker(t, testutil.LockerOpts{})
	session := testutil.NewTestSession(testutil.SessionOpts{})
	require.NoError(t, f.store.CreateSession(context.Background(), session))

	hub := NewHub(f.store, nil)
	defer hub.Close()
	server := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=" + session.WebsocketToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	readState := func() map[string]string {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]string
		require.NoError(t, json.Unmarshal(payload, &msg))
		return msg
	}

	// The current state arrives on connect.
	msg := readState()
	assert.Equal(t, session.ID, msg["session_id"])
	assert.Equal(t, string(models.SessionCreated), msg["state"])

	require.NoError(t, hub.NotifySession(context.Background(), session.ID, models.SessionPaymentSelected))
	msg = readState()
	assert.Equal(t, string(models.SessionPaymentSelected), msg["state"])
}

func TestHubRejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	hub := NewHub(f.store, nil)
	server := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer server.Close()

	resp, err := http.Get(server.URL + "?token=unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMultiNotifierFansOut(t *testing.T) {
	first := testutil.NewMockNotifier()
	second := testutil.NewMockNotifier()
	notifier := multiNotifier{first, second}

	require.NoError(t, notifier.NotifySession(context.Background(), "se-1", models.SessionActive))
	require.Len(t, first.SessionNotifications(), 1)
	require.Len(t, second.SessionNotifications(), 1)
}

func TestHubNotifyWithoutListenersIsNoop(t *testing.T) {
	f := newFixture(t)
	hub := NewHub(f.store, nil)
	require.NoError(t, hub.NotifySession(context.Background(), "nobody", models.SessionActive))
}
