package httpserver_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/internal/config"
	"portalchat/internal/httpserver"
	"portalchat/internal/logger"
	"portalchat/internal/presence"
	"portalchat/internal/security"
	"portalchat/internal/service"
	"portalchat/internal/store/sqlite"
	"portalchat/internal/store/sqlstore"
	"portalchat/internal/ws"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

type testServer struct {
	*httptest.Server
	uploadDir string
}

func newServer(t *testing.T, opts ...func(*config.Config)) *testServer {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	log := logger.Nop()
	cfg := &config.Config{
		AppName:     "portalchat",
		UploadDir:   t.TempDir(),
		CORSOrigins: []string{"http://localhost:3000"},
		Chat: config.ChatConfig{
			MaxMessageLength: 1000,
			DefaultPageSize:  50,
			MaxPageSize:      200,
			GroupingGap:      service.DefaultGroupingGap,
			MaxUploadBytes:   1 << 20,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	repos := sqlstore.NewRepositories(sqlstore.Wrap(db, sqlstore.SQLite, log))
	cipher, err := security.NewEncryptor([]byte("http-test-key"), nil)
	require.NoError(t, err)
	tracker := presence.NewMemoryTracker(presence.Options{})
	hub := ws.NewHub(log)
	locks := service.NewConversationLocks()

	auth := service.NewAuthService(repos.Users, security.NewTokenService("secret", time.Hour, 24*time.Hour), security.NewPasswordHasher(4), log)
	users := service.NewUserService(repos.Users, repos.Conversations, tracker, hub, log)
	msgs := service.NewMessageService(repos.Messages, repos.Conversations, repos.Users, locks, hub, cipher, log, service.MessageConfig{
		MaxLength: cfg.Chat.MaxMessageLength, DefaultPageSize: cfg.Chat.DefaultPageSize, MaxPageSize: cfg.Chat.MaxPageSize,
	})

	router := httpserver.NewRouter(httpserver.Deps{
		Config:        cfg,
		Log:           log,
		Auth:          auth,
		Users:         users,
		Conversations: service.NewConversationService(repos.Conversations, repos.Users, repos.Messages, locks, hub, cipher, log),
		Messages:      msgs,
		Typing:        service.NewTypingService(repos.Conversations, repos.Users, tracker, hub, log),
		Health:        db.PingContext,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, uploadDir: cfg.UploadDir}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, apiResponse) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (int, apiResponse) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

type session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID int64 `json:"id"`
	} `json:"user"`
}

func (s *testServer) register(t *testing.T, username string) session {
	t.Helper()
	status, resp := s.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]any{
		"username": username, "display_name": strings.ToUpper(username), "password": "Password1!",
	})
	require.Equal(t, http.StatusCreated, status, resp.Errors)
	var sess session
	require.NoError(t, json.Unmarshal(resp.Data, &sess))
	require.NotEmpty(t, sess.AccessToken)
	return sess
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthFlow(t *testing.T) {
	s := newServer(t)
	alice := s.register(t, "alice")

	status, resp := s.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]any{
		"username": "alice", "password": "Password1!",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "conflict", resp.Errors[0].Code)

	status, resp = s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"username": "alice", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", resp.Errors[0].Code)

	status, resp = s.do(t, http.MethodGet, "/api/v1/auth/me", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var me struct {
		ID          int64  `json:"id"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	assert.Equal(t, alice.User.ID, me.ID)
	assert.Equal(t, "ALICE", me.DisplayName)

	status, resp = s.do(t, http.MethodGet, "/api/v1/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, resp.Success)

	status, _ = s.do(t, http.MethodGet, "/api/v1/auth/me", alice.RefreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "refresh tokens do not authenticate requests")

	status, resp = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]any{"refresh_token": alice.RefreshToken})
	require.Equal(t, http.StatusOK, status)
	var refreshed session
	require.NoError(t, json.Unmarshal(resp.Data, &refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)
}

func TestConversationAndMessages(t *testing.T) {
	s := newServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	eve := s.register(t, "eve")

	status, resp := s.do(t, http.MethodPost, "/api/v1/conversations", alice.AccessToken, map[string]any{
		"type": "direct", "participant_ids": []int64{bob.User.ID},
	})
	require.Equal(t, http.StatusCreated, status, resp.Errors)
	var conv struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &conv))

	status, _ = s.do(t, http.MethodPost, "/api/v1/conversations", bob.AccessToken, map[string]any{
		"type": "direct", "participant_ids": []int64{alice.User.ID},
	})
	assert.Equal(t, http.StatusOK, status, "direct conversation already exists")

	base := "/api/v1/conversations/" + itoa(conv.ID)
	for _, text := range []string{"one", "two", "three"} {
		status, resp = s.do(t, http.MethodPost, base+"/messages", alice.AccessToken, map[string]any{"content": text})
		require.Equal(t, http.StatusCreated, status, resp.Errors)
	}

	status, resp = s.do(t, http.MethodPost, base+"/messages", alice.AccessToken, map[string]any{"content": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "empty_message", resp.Errors[0].Code)

	status, resp = s.do(t, http.MethodPost, base+"/messages", alice.AccessToken, map[string]any{"content": "x", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", resp.Errors[0].Code)

	status, resp = s.do(t, http.MethodGet, base+"/messages", eve.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", resp.Errors[0].Code)

	status, _ = s.do(t, http.MethodGet, "/api/v1/conversations/999999", alice.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, resp = s.do(t, http.MethodGet, base+"/messages?limit=2&grouped=true&tz=UTC", bob.AccessToken, nil)
	require.Equal(t, http.StatusOK, status, resp.Errors)
	var page struct {
		Messages []struct {
			Seq     int64  `json:"seq"`
			Content string `json:"content"`
		} `json:"messages"`
		HasMore bool `json:"has_more"`
		Groups  []struct {
			Date     string `json:"date"`
			Messages []struct {
				ShowHeader bool `json:"show_header"`
				EndsRun    bool `json:"ends_run"`
			} `json:"messages"`
		} `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "two", page.Messages[0].Content)
	assert.Equal(t, "three", page.Messages[1].Content)
	assert.True(t, page.HasMore)
	require.Len(t, page.Groups, 1)
	require.Len(t, page.Groups[0].Messages, 2)
	assert.True(t, page.Groups[0].Messages[0].ShowHeader)
	assert.True(t, page.Groups[0].Messages[1].EndsRun)

	status, _ = s.do(t, http.MethodGet, base+"/messages?tz=Mars/Olympus", bob.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp = s.do(t, http.MethodGet, base, bob.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var view struct {
		UnreadCount int `json:"unread_count"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	assert.Equal(t, 3, view.UnreadCount)

	status, _ = s.do(t, http.MethodPost, base+"/read", bob.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)

	_, resp = s.do(t, http.MethodGet, base, bob.AccessToken, nil)
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	assert.Equal(t, 0, view.UnreadCount)

	status, resp = s.do(t, http.MethodPut, base+"/flags/pinned", bob.AccessToken, map[string]any{"value": true})
	require.Equal(t, http.StatusOK, status, resp.Errors)
	var flags struct {
		Pinned bool `json:"pinned"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &flags))
	assert.True(t, flags.Pinned)

	status, _ = s.do(t, http.MethodPut, base+"/flags/starred", bob.AccessToken, map[string]any{"value": true})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUpload(t *testing.T) {
	s := newServer(t)
	alice := s.register(t, "alice")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello upload"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/v1/uploads", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice.AccessToken)

	status, resp := send(t, req)
	require.Equal(t, http.StatusCreated, status, resp.Errors)
	var att struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
		URL      string `json:"url"`
		Size     int64  `json:"size"`
		MimeType string `json:"mime_type"`
		Checksum string `json:"checksum"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &att))
	assert.Equal(t, "notes.txt", att.Filename)
	assert.Equal(t, int64(len("hello upload")), att.Size)
	assert.True(t, strings.HasPrefix(att.MimeType, "text/plain"))
	assert.Len(t, att.Checksum, 64)

	stored, err := os.ReadFile(filepath.Join(s.uploadDir, att.ID+".txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello upload", string(stored))

	anon, err := http.Get(s.URL + att.URL)
	require.NoError(t, err)
	anon.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, anon.StatusCode, "downloads need a session")

	req, err = http.NewRequest(http.MethodGet, s.URL+att.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice.AccessToken)
	get, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
	got, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello upload", string(got))

	req, err = http.NewRequest(http.MethodPost, s.URL+"/api/v1/uploads", strings.NewReader(""))
	require.NoError(t, err)
	status, _ = send(t, req)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRequestsUseCommandTimeout(t *testing.T) {
	s := newServer(t, func(cfg *config.Config) { cfg.Chat.CommandTimeout = time.Nanosecond })

	status, resp := s.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]any{
		"username": "alice", "password": "Password1!",
	})
	assert.Equal(t, http.StatusGatewayTimeout, status)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "timeout", resp.Errors[0].Code)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
