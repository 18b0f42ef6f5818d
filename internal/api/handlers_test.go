package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/redischat/internal/config"
	"github.com/npezzotti/redischat/internal/repository"
	"github.com/npezzotti/redischat/internal/server"
	"github.com/npezzotti/redischat/internal/stats"
	"github.com/npezzotti/redischat/internal/testutil"
	"github.com/npezzotti/redischat/internal/types"
)

func newTestApp(t *testing.T) (*httptest.Server, *repository.Repositories) {
	t.Helper()

	s, _ := testutil.TestStore(t)
	repos := repository.New(s)

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Times(3)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	cs, err := server.NewChatServer(testutil.TestLogger(t), s, repos, su)
	require.NoError(t, err)

	cfg, err := config.NewConfig("localhost:0", "localhost:0", nil)
	require.NoError(t, err)

	app := NewChatApp(http.NewServeMux(), testutil.TestLogger(t), cs, repos, cfg)

	ts := httptest.NewServer(app.mux.Handler)
	t.Cleanup(ts.Close)
	return ts, repos
}

func newTestClient(t *testing.T) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func postJson(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func registerUser(t *testing.T, client *http.Client, baseURL, name, password string) types.User {
	t.Helper()

	resp := postJson(t, client, baseURL+"/api/auth/register", RegisterRequest{
		Name:     name,
		Password: password,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "expected register to succeed")

	var user types.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
	return user
}

func TestRegister(t *testing.T) {
	ts, repos := newTestApp(t)
	client := newTestClient(t)

	user := registerUser(t, client, ts.URL, "alice", "secret")
	assert.Equal(t, uint64(1), user.Id)
	assert.Equal(t, "alice", user.Name)

	// password is stored hashed, never returned
	stored, err := repos.Users.GetOne(context.Background(), user.Id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotEqual(t, "secret", stored.Password)
	assert.True(t, verifyPassword(stored.Password, "secret"))

	t.Run("duplicate name", func(t *testing.T) {
		resp := postJson(t, newTestClient(t), ts.URL+"/api/auth/register", RegisterRequest{
			Name:     "alice",
			Password: "other",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode, "expected duplicate name to conflict")
	})
	t.Run("missing fields", func(t *testing.T) {
		resp := postJson(t, newTestClient(t), ts.URL+"/api/auth/register", RegisterRequest{Name: "bob"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLoginLogout(t *testing.T) {
	ts, _ := newTestApp(t)

	registerUser(t, newTestClient(t), ts.URL, "alice", "secret")

	client := newTestClient(t)

	t.Run("wrong password", func(t *testing.T) {
		resp := postJson(t, client, ts.URL+"/api/auth/login", LoginRequest{Name: "alice", Password: "nope"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
	t.Run("unknown user", func(t *testing.T) {
		resp := postJson(t, client, ts.URL+"/api/auth/login", LoginRequest{Name: "bob", Password: "secret"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	resp := postJson(t, client, ts.URL+"/api/auth/login", LoginRequest{Name: "alice", Password: "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "expected login to succeed")

	sessResp, err := client.Get(ts.URL + "/api/auth/session")
	require.NoError(t, err)
	defer sessResp.Body.Close()
	require.Equal(t, http.StatusOK, sessResp.StatusCode, "expected session cookie to authenticate")

	var user types.User
	require.NoError(t, json.NewDecoder(sessResp.Body).Decode(&user))
	assert.Equal(t, "alice", user.Name)

	logoutResp, err := client.Get(ts.URL + "/api/auth/logout")
	require.NoError(t, err)
	logoutResp.Body.Close()
	require.Equal(t, http.StatusOK, logoutResp.StatusCode)

	// the session record is gone, not just the cookie
	afterResp, err := client.Get(ts.URL + "/api/auth/session")
	require.NoError(t, err)
	afterResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, afterResp.StatusCode, "expected logout to invalidate the session")
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestApp(t)

	for _, path := range []string{"/api/channels", "/api/messages?channel=1", "/api/auth/session"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "expected %s to require auth", path)
	}
}

func TestJoinLeaveChannel(t *testing.T) {
	ts, repos := newTestApp(t)
	client := newTestClient(t)

	registerUser(t, client, ts.URL, "alice", "secret")

	resp := postJson(t, client, ts.URL+"/api/channels", JoinChannelRequest{Name: "general"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "expected join to succeed")

	var joined JoinChannelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&joined))
	assert.Equal(t, "general", joined.Channel.Name)
	assert.NotZero(t, joined.Channel.Id)
	assert.False(t, joined.AlreadyJoined, "expected a fresh join")

	t.Run("join again", func(t *testing.T) {
		resp := postJson(t, client, ts.URL+"/api/channels", JoinChannelRequest{Name: "general"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var again JoinChannelResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
		assert.True(t, again.AlreadyJoined)
		assert.Equal(t, joined.Channel.Id, again.Channel.Id)
	})

	t.Run("list channels", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/channels")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var channels []types.Channel
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&channels))
		require.Len(t, channels, 1)
		assert.Equal(t, "general", channels[0].Name)
	})

	t.Run("join announcement", func(t *testing.T) {
		resp, err := client.Get(fmt.Sprintf("%s/api/messages?channel=%d", ts.URL, joined.Channel.Id))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var events []repository.MessageEvent
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
		require.Len(t, events, 1)
		assert.Equal(t, "alice has subscribed to the channel", events[0].Text)
		assert.Nil(t, events[0].User, "expected the announcement to be a system message")
	})

	t.Run("leave", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete,
			fmt.Sprintf("%s/api/channels?channel=%d", ts.URL, joined.Channel.Id), nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "expected leave to succeed")

		// no longer a member: the pair lookup finds nothing and the
		// message history is off limits
		members, err := repos.Members.Filter(context.Background(), repository.Query{
			Channel: joined.Channel.Id,
			User:    1,
		})
		require.NoError(t, err)
		assert.Empty(t, members)

		msgResp, err := client.Get(fmt.Sprintf("%s/api/messages?channel=%d", ts.URL, joined.Channel.Id))
		require.NoError(t, err)
		msgResp.Body.Close()
		assert.Equal(t, http.StatusForbidden, msgResp.StatusCode)

		// the departure announcement was still stored and published
		messages, err := repos.Messages.Filter(context.Background(), repository.Query{Channel: joined.Channel.Id})
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "alice has unsubscribed from the channel", messages[1].Text)
		assert.Zero(t, messages[1].User)
	})
}

func TestGetMessagesBadRequest(t *testing.T) {
	ts, _ := newTestApp(t)
	client := newTestClient(t)

	registerUser(t, client, ts.URL, "alice", "secret")

	resp, err := client.Get(ts.URL + "/api/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "expected missing channel param to be rejected")
}

func TestServeWsEndToEnd(t *testing.T) {
	ts, _ := newTestApp(t)
	client := newTestClient(t)

	registerUser(t, client, ts.URL, "alice", "secret")

	resp := postJson(t, client, ts.URL+"/api/channels", JoinChannelRequest{Name: "general"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var joined JoinChannelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&joined))

	baseURL, err := url.Parse(ts.URL)
	require.NoError(t, err)

	header := http.Header{}
	for _, cookie := range client.Jar.Cookies(baseURL) {
		header.Add("Cookie", cookie.String())
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/ws?channel=%d", joined.Channel.Id)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err, "expected websocket dial to succeed")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "hello"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "expected the posted message to be fanned back")

	var event repository.MessageEvent
	require.NoError(t, json.Unmarshal(raw, &event))
	assert.Equal(t, "hello", event.Text)
	require.NotNil(t, event.User)
	assert.Equal(t, "alice", *event.User)
}
