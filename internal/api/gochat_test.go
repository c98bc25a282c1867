package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/npezzotti/chatrooms/internal/auth"
	"github.com/npezzotti/chatrooms/internal/config"
	"github.com/npezzotti/chatrooms/internal/database"
	"github.com/npezzotti/chatrooms/internal/server"
	"github.com/npezzotti/chatrooms/internal/stats"
	"github.com/npezzotti/chatrooms/internal/testutil"
	"github.com/npezzotti/chatrooms/internal/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:3000"

type testApp struct {
	*GoChatApp
	cs      *server.ChatServer
	tokens  *auth.TokenManager
	refresh *auth.TokenManager
}

// newTestApp wires a GoChatApp to a running ChatServer backed by db.
func newTestApp(t *testing.T, db *database.MockGoChatRepository) *testApp {
	t.Helper()
	return newTestAppWithClock(t, db, clockwork.NewRealClock())
}

// newTestAppWithClock is newTestApp with token expiry driven by clock.
func newTestAppWithClock(t *testing.T, db *database.MockGoChatRepository, clock clockwork.Clock) *testApp {
	t.Helper()
	logger := testutil.TestLogger(t)

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("RegisterCounter", mock.Anything)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	tokens := auth.NewTokenManager([]byte("test-signing-key"), 15*time.Minute, clock)
	refresh := auth.NewTokenManager([]byte("test-refresh-key"), 14*24*time.Hour, clock)

	cs, err := server.NewChatServer(logger, db, tokens, su, time.Minute)
	require.NoError(t, err)
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	app := NewGoChatApp(http.NewServeMux(), logger, cs, db, tokens, refresh, &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{testOrigin},
	})

	return &testApp{GoChatApp: app, cs: cs, tokens: tokens, refresh: refresh}
}

func (a *testApp) token(t *testing.T, userId int, username string) string {
	t.Helper()
	token, _, err := a.tokens.Issue(types.Identity{UserId: userId, Username: username})
	require.NoError(t, err)
	return token
}

// do sends a request through the full middleware stack.
func (a *testApp) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	buf := &bytes.Buffer{}
	if body != nil {
		require.NoError(t, json.NewEncoder(buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func newRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	return httptest.NewRequest(method, path, nil)
}

func serve(a *testApp, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "failed to decode body %q", rr.Body.String())
	return v
}

// findCookie returns the named cookie set on the response, or nil.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}
