package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/sessions"
	"github.com/tsmada/interflow/store"
)

type testDirectory struct {
	people map[string]*store.Person
}

func (d *testDirectory) PersonByUsername(_ context.Context, username string) (*store.Person, error) {
	if p, ok := d.people[username]; ok {
		return p, nil
	}
	return nil, store.ErrPersonNotFound
}

func (d *testDirectory) TouchPersonLogin(context.Context, int64) error { return nil }

func newTestServer(t *testing.T) (*Server, *events.Dispatcher) {
	var hash, err = sessions.HashPassword("hunter2")
	require.NoError(t, err)
	var dir = &testDirectory{people: map[string]*store.Person{
		"admin": {ID: 1, Username: "admin", PasswordHash: hash},
	}}
	var auth = sessions.NewAuthenticator(dir, sessions.NewMemoryStore(clock.New()))
	var dispatcher = events.NewDispatcher()

	var s = NewServer(Config{SigningKey: "test key"}, NewAggregator(), nil, auth, dispatcher)
	return s, dispatcher
}

func login(t *testing.T, s *Server) *http.Cookie {
	var body, _ = json.Marshal(map[string]string{"username": "admin", "password": "hunter2"})
	var req = httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.9:55555"
	var rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestLoginAndStatus(t *testing.T) {
	var s, _ = newTestServer(t)
	var cookie = login(t, s)

	s.aggregator.Apply(events.StateChange{
		ChannelID: "ch-1", ChannelName: "ADT", State: events.StateStarted,
	})

	var req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(cookie)
	var rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ch-1"`)
	require.Contains(t, rec.Body.String(), `"STARTED"`)
}

func TestStatusRequiresSession(t *testing.T) {
	var s, _ = newTestServer(t)

	var rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A bogus cookie is rejected too.
	var req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "forged"})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	var s, _ = newTestServer(t)
	var body, _ = json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	var rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutRevokesSession(t *testing.T) {
	var s, _ = newTestServer(t)
	var cookie = login(t, s)

	var req = httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(cookie)
	var rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChannelEndpoint(t *testing.T) {
	var s, _ = newTestServer(t)
	var cookie = login(t, s)

	s.aggregator.Apply(events.StateChange{
		ChannelID: "ch-1", ChannelName: "ADT", State: events.StatePaused,
	})

	var req = httptest.NewRequest(http.MethodGet, "/api/channels/ch-1", nil)
	req.AddCookie(cookie)
	var rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"PAUSED"`)

	for _, path := range []string{"/api/channels/", "/api/channels/ghost"} {
		req = httptest.NewRequest(http.MethodGet, path, nil)
		req.AddCookie(cookie)
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestWebSocketStream(t *testing.T) {
	var s, dispatcher = newTestServer(t)
	var cookie = login(t, s)

	// Mint a ticket over the authenticated API.
	var req = httptest.NewRequest(http.MethodGet, "/api/ws-ticket", nil)
	req.AddCookie(cookie)
	var rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ticketBody struct {
		Ticket string `json:"ticket"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ticketBody))
	require.NotEmpty(t, ticketBody.Ticket)

	var srv = httptest.NewServer(s.Handler())
	defer srv.Close()

	var wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?ticket=" + ticketBody.Ticket
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// The subscription is registered after the upgrade completes, so keep
	// posting until the stream delivers.
	var done = make(chan struct{})
	defer close(done)
	go func() {
		var tick = time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			dispatcher.Post(events.MessageComplete{ChannelID: "ch-1", ChannelName: "ADT", MessageID: 42})
			select {
			case <-done:
				return
			case <-tick.C:
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&envelope))
	require.Equal(t, "messageComplete", envelope.Event)
	require.Contains(t, string(envelope.Data), `"messageId":42`)
}

func TestWebSocketRejectsMissingTicket(t *testing.T) {
	var s, _ = newTestServer(t)
	var rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ws", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
