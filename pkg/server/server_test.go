package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nstogner/agcluster/pkg/agentconfig"
	"github.com/nstogner/agcluster/pkg/orchestrator"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/sandbox/sandboxtest"
	"github.com/nstogner/agcluster/pkg/session"
	"github.com/nstogner/agcluster/pkg/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "sk-test"

type catalog map[string]*agentconfig.Config

func (c catalog) Load(id string) (*agentconfig.Config, error) {
	cfg, ok := c[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", agentconfig.ErrConfigNotFound, id)
	}
	return cfg, nil
}

func (c catalog) List() ([]*agentconfig.Config, error) {
	return []*agentconfig.Config{c["code-assistant"], c["github-dev"]}, nil
}

var testCatalog = catalog{
	"code-assistant": {ID: "code-assistant", Name: "Code Assistant", Version: "1.0.0", AllowedTools: []string{"Bash", "Read"}},
	"github-dev": {
		ID:           "github-dev",
		Name:         "GitHub Dev",
		Version:      "1.0.0",
		AllowedTools: []string{"Bash", "ListMcpResources", "ReadMcpResource"},
		MCPServers: map[string]agentconfig.MCPServer{
			"github": {Command: "github-mcp", Env: map[string]string{"GITHUB_TOKEN": "${GITHUB_TOKEN}"}},
		},
	},
}

type fixture struct {
	backend  *sandboxtest.Backend
	sessions *session.Registry
	handler  http.Handler
}

func newFixture(t *testing.T, b *sandboxtest.Backend) *fixture {
	t.Helper()
	reg := sandbox.NewRegistry()
	reg.Register(sandboxtest.Name, b.Factory())
	set, err := orchestrator.NewSet(reg, sandboxtest.Name, nil, orchestrator.Options{Configs: testCatalog})
	require.NoError(t, err)
	sessions := session.New(set, session.Options{})
	return &fixture{backend: b, sessions: sessions, handler: New(sessions, testCatalog).Handler()}
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) launch(t *testing.T) LaunchResponse {
	t.Helper()
	rec := f.do(t, "POST", "/api/agents/launch", apiKey, LaunchRequest{ConfigID: "code-assistant"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LaunchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func userMessage(text string) []sandbox.Message {
	return []sandbox.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: text},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	rec := f.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","active_sessions":0}`, rec.Body.String())
}

func TestConfigs(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})

	list := decode[ConfigList](t, f.do(t, "GET", "/api/configs", "", nil))
	require.Equal(t, 2, list.Total)
	assert.Equal(t, "code-assistant", list.Configs[0].ID)
	assert.False(t, list.Configs[0].HasMCPServers)
	assert.True(t, list.Configs[1].HasMCPServers)

	rec := f.do(t, "GET", "/api/configs/github-dev", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GitHub Dev", decode[agentconfig.Config](t, rec).Name)

	rec = f.do(t, "GET", "/api/configs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLaunchAndManageSession(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	launched := f.launch(t)
	assert.True(t, strings.HasPrefix(launched.SessionID, "conv-"), launched.SessionID)
	assert.Equal(t, "code-assistant", launched.ConfigID)
	assert.Equal(t, sandboxtest.Name, launched.Backend)
	assert.Equal(t, sandbox.StatusRunning, launched.Status)

	list := decode[SessionList](t, f.do(t, "GET", "/api/agents/sessions", "", nil))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, launched.AgentID, list.Sessions[0].AgentID)

	path := "/api/agents/sessions/" + launched.SessionID
	got := decode[session.Summary](t, f.do(t, "GET", path, "", nil))
	assert.Equal(t, launched.SessionID, got.SessionID)
	assert.Equal(t, sandbox.StatusRunning, got.Status)

	rec := f.do(t, "POST", path+"/interrupt", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.backend.Interrupts())

	rec = f.do(t, "DELETE", path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopped and removed")

	rec = f.do(t, "DELETE", path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "did not exist")

	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", path, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "POST", path+"/interrupt", "", nil).Code)
	assert.Len(t, f.backend.Stops(), 1)
}

func TestGetSessionReportsLiveStatus(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	launched := f.launch(t)
	path := "/api/agents/sessions/" + launched.SessionID

	// The sandbox is removed out of band.
	c := f.backend.List(context.Background())
	require.Len(t, c, 1)
	_, err := f.backend.Stop(context.Background(), c[0].ID)
	require.NoError(t, err)

	got := decode[session.Summary](t, f.do(t, "GET", path, "", nil))
	assert.Equal(t, sandbox.StatusNotFound, got.Status)
}

func TestCustomConfigs(t *testing.T) {
	dir := t.TempDir()
	loader := &agentconfig.Loader{UserDir: dir}
	b := &sandboxtest.Backend{}
	reg := sandbox.NewRegistry()
	reg.Register(sandboxtest.Name, b.Factory())
	set, err := orchestrator.NewSet(reg, sandboxtest.Name, nil, orchestrator.Options{Configs: loader})
	require.NoError(t, err)
	f := &fixture{backend: b, sessions: session.New(set, session.Options{})}
	f.handler = New(f.sessions, loader).Handler()

	list := decode[ConfigList](t, f.do(t, "GET", "/api/configs/custom/list", "", nil))
	assert.Equal(t, 0, list.Total)

	rec := f.do(t, "POST", "/api/configs/custom", "", agentconfig.Config{
		ID:           "my-agent",
		Name:         "My Agent",
		AllowedTools: []string{"Bash"},
		MCPServers:   map[string]agentconfig.MCPServer{"files": {Command: "mcp-files"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[SaveConfigResponse](t, rec)
	assert.Equal(t, "my-agent", saved.ConfigID)
	assert.Equal(t, filepath.Join(dir, "my-agent.yaml"), saved.Path)

	list = decode[ConfigList](t, f.do(t, "GET", "/api/configs/custom/list", "", nil))
	require.Equal(t, 1, list.Total)
	assert.True(t, list.Configs[0].HasMCPServers)
	assert.Contains(t, list.Configs[0].AllowedTools, "ListMcpResources")

	// Saved configs are launchable by id.
	rec = f.do(t, "POST", "/api/agents/launch", apiKey, LaunchRequest{ConfigID: "my-agent"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, "POST", "/api/configs/custom", "", agentconfig.Config{Name: "No ID"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, "POST", "/api/configs/custom", "", agentconfig.Config{ID: "Bad ID", Name: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, "POST", "/api/configs/custom", "", agentconfig.Config{ID: "x", Name: "x", AllowedTools: []string{"Teleport"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "DELETE", "/api/configs/custom/my-agent", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "DELETE", "/api/configs/custom/my-agent", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/configs/my-agent", "", nil).Code)
}

func TestCustomConfigsUnsupported(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	rec := f.do(t, "GET", "/api/configs/custom/list", "", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestLaunchErrors(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})

	rec := f.do(t, "POST", "/api/agents/launch", "", LaunchRequest{ConfigID: "code-assistant"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "POST", "/api/agents/launch", apiKey, LaunchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/api/agents/launch", apiKey, LaunchRequest{ConfigID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "POST", "/api/agents/launch", apiKey, LaunchRequest{
		ConfigID: "github-dev",
		MCPEnv:   map[string]map[string]string{"github": {"AWS_SECRET_ACCESS_KEY": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "AWS_SECRET_ACCESS_KEY")

	rec = f.do(t, "POST", "/api/agents/launch", apiKey, LaunchRequest{ConfigID: "code-assistant", Provider: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Zero(t, f.backend.Creates())
	assert.Zero(t, f.sessions.Len())
}

func TestLaunchBackendFailures(t *testing.T) {
	for err, status := range map[error]int{
		sandbox.ErrQuotaExceeded:       http.StatusTooManyRequests,
		sandbox.ErrBackendUnavailable:  http.StatusServiceUnavailable,
		sandbox.ErrImageNotFound:       http.StatusBadGateway,
		sandbox.ErrInvalidResourceSpec: http.StatusBadRequest,
	} {
		f := newFixture(t, &sandboxtest.Backend{CreateErr: err})
		rec := f.do(t, "POST", "/api/agents/launch", apiKey, LaunchRequest{ConfigID: "code-assistant"})
		assert.Equal(t, status, rec.Code, err.Error())
		assert.Zero(t, f.sessions.Len())
	}
}

func TestAgentChat(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	launched := f.launch(t)

	rec := f.do(t, "POST", "/api/agents/chat", apiKey, AgentChatRequest{SessionID: launched.SessionID, Messages: userMessage("hi")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"data: {\"type\":\"text\",\"text\":\"echo: hi\"}\n\n"+
			"data: {\"type\":\"complete\",\"status\":\"success\"}\n\n",
		rec.Body.String())
	assert.Equal(t, []string{"hi"}, f.backend.Queries())
}

func TestAgentChatDataProtocol(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	launched := f.launch(t)

	rec := f.do(t, "POST", "/api/agents/chat?protocol=data", apiKey, AgentChatRequest{SessionID: launched.SessionID, Messages: userMessage("hi")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", rec.Header().Get("X-Vercel-AI-Data-Stream"))
	assert.Equal(t, "0:\"echo: hi\"\nd:{\"finishReason\":\"stop\"}\n", rec.Body.String())
}

func TestAgentChatRejects(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	launched := f.launch(t)

	cases := []struct {
		name   string
		key    string
		req    AgentChatRequest
		status int
	}{
		{"no key", "", AgentChatRequest{SessionID: launched.SessionID, Messages: userMessage("hi")}, http.StatusUnauthorized},
		{"other key", "sk-other", AgentChatRequest{SessionID: launched.SessionID, Messages: userMessage("hi")}, http.StatusForbidden},
		{"no session", apiKey, AgentChatRequest{Messages: userMessage("hi")}, http.StatusBadRequest},
		{"unknown session", apiKey, AgentChatRequest{SessionID: "conv-nope", Messages: userMessage("hi")}, http.StatusNotFound},
		{"no user message", apiKey, AgentChatRequest{SessionID: launched.SessionID, Messages: []sandbox.Message{{Role: "assistant", Content: "x"}}}, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := f.do(t, "POST", "/api/agents/chat", c.key, c.req)
			assert.Equal(t, c.status, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, f.backend.Queries())
}

func completionRequest(t *testing.T, conversationID, key string, stream bool) *http.Request {
	t.Helper()
	b, err := json.Marshal(ChatCompletionRequest{Model: "agcluster", Messages: userMessage("hi"), Stream: &stream})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(b))
	req.Header.Set("Authorization", "Bearer "+key)
	if conversationID != "" {
		req.Header.Set("X-Conversation-ID", conversationID)
	}
	return req
}

func TestChatCompletionsStreaming(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, completionRequest(t, "42", apiKey, true))
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.Contains(t, body, `"object":"chat.completion.chunk"`)
		assert.Contains(t, body, `"delta":{"role":"assistant","content":"echo: hi"}`)
		assert.Contains(t, body, `"finish_reason":"stop"`)
		assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)
	}

	assert.Equal(t, 1, f.backend.Creates(), "the conversation reuses its agent")
	_, err := f.sessions.Get("conv-42")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, completionRequest(t, "42", "sk-other", true))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, completionRequest(t, "", apiKey, false))
	require.Equal(t, http.StatusOK, rec.Code)

	c := decode[translate.ChatCompletion](t, rec)
	assert.Equal(t, "chat.completion", c.Object)
	assert.Equal(t, "echo: hi", c.Choices[0].Message.Content)

	_, err := f.sessions.Get(session.ConversationID("", apiKey))
	assert.NoError(t, err, "keyless conversations map to the per-key session")

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsAgentError(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{Events: []sandbox.Event{
		{"type": sandbox.EventError, "message": "rate limited"},
	}})
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, completionRequest(t, "1", apiKey, false))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limited")

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, completionRequest(t, "1", apiKey, true))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, `"finish_reason":"error"`))
	assert.Contains(t, body, `[Error: rate limited]`)
}

func uploadRequest(t *testing.T, path, key string, names ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, n := range names {
		fw, err := mw.CreateFormFile("files", n)
		require.NoError(t, err)
		_, err = fw.Write([]byte("content of " + n))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

func TestUpload(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	launched := f.launch(t)
	path := "/api/agents/sessions/" + launched.SessionID + "/upload"

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, uploadRequest(t, path+"?target_path=data", apiKey, "notes.txt", "test;rm -rf.txt"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[UploadResponse](t, rec)
	assert.Equal(t, []string{"notes.txt", "test_rm_-rf.txt"}, resp.Uploaded)
	assert.Equal(t, 2, resp.TotalFiles)
	assert.Equal(t, "/workspace/data", resp.TargetPath)
	assert.Equal(t, []string{"/workspace/data/notes.txt", "/workspace/data/test_rm_-rf.txt"}, f.backend.Uploads())

	for name, c := range map[string]struct {
		path   string
		key    string
		status int
	}{
		"traversal": {path + "?target_path=../etc", apiKey, http.StatusBadRequest},
		"absolute":  {path + "?target_path=/etc", apiKey, http.StatusBadRequest},
		"no key":    {path, "", http.StatusUnauthorized},
		"other key": {path, "sk-other", http.StatusForbidden},
		"unknown":   {"/api/agents/sessions/conv-nope/upload", apiKey, http.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, uploadRequest(t, c.path, c.key, "a.txt"))
		assert.Equal(t, c.status, rec.Code, name)
	}

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, uploadRequest(t, path, apiKey))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no files")
}

func TestUploadConflict(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{UploadErr: fmt.Errorf("%w: a.txt", sandbox.ErrConflict)})
	launched := f.launch(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, uploadRequest(t, "/api/agents/sessions/"+launched.SessionID+"/upload", apiKey, "a.txt"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebSocketChat(t *testing.T) {
	f := newFixture(t, &sandboxtest.Backend{})
	launched := f.launch(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/agents/sessions/" + launched.SessionID + "/ws?api_key=" + apiKey
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(WSRequest{Content: "hi"}))
	var got []translate.Event
	for {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var ev translate.Event
		require.NoError(t, ws.ReadJSON(&ev))
		got = append(got, ev)
		if ev.Terminal() {
			break
		}
	}
	assert.Equal(t, []translate.Event{
		{Kind: translate.KindText, Text: "echo: hi"},
		{Kind: translate.KindComplete, Status: "success"},
	}, got)

	require.NoError(t, ws.WriteJSON(WSRequest{Type: WSInterrupt}))
	assert.Eventually(t, func() bool { return f.backend.Interrupts() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(url, apiKey, "sk-other", 1), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	for err, status := range map[error]int{
		session.ErrNotFound:                       http.StatusNotFound,
		orchestrator.ErrAgentNotFound:             http.StatusNotFound,
		session.ErrForbidden:                      http.StatusForbidden,
		orchestrator.ErrUnauthorizedCredentialKey: http.StatusBadRequest,
		agentconfig.ErrInvalidConfig:              http.StatusBadRequest,
		sandbox.ErrConflict:                       http.StatusConflict,
		sandbox.ErrProvisioningTimeout:            http.StatusBadGateway,
		translate.ErrAgent:                        http.StatusInternalServerError,
		errors.New("boom"):                        http.StatusInternalServerError,
	} {
		assert.Equal(t, status, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}

func TestSanitizeFilename(t *testing.T) {
	for in, want := range map[string]string{
		"report.pdf":         "report.pdf",
		"../../etc/passwd":   "passwd",
		`..\windows\sys.ini`: "sys.ini",
		"my file (1).txt":    "my_file__1_.txt",
		".bashrc":            "bashrc",
		"..":                 "",
	} {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}
