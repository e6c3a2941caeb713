package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/nstogner/agcluster/pkg/agentconfig"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/session"
)

// Upload limits.
const (
	MaxUploadFileSize  = 50 << 20
	MaxUploadTotalSize = 200 << 20
	MaxUploadFiles     = 50

	// WorkspaceDir is the agent's working directory inside every sandbox.
	WorkspaceDir = "/workspace"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"active_sessions": s.sessions.Len(),
	})
}

// --- Configs ---

// ConfigInfo summarizes a config for listings.
type ConfigInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Version        string   `json:"version"`
	AllowedTools   []string `json:"allowed_tools"`
	HasMCPServers  bool     `json:"has_mcp_servers"`
	HasSubAgents   bool     `json:"has_sub_agents"`
	PermissionMode string   `json:"permission_mode,omitempty"`
}

type ConfigList struct {
	Configs []ConfigInfo `json:"configs"`
	Total   int          `json:"total"`
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.configs.List()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, configList(configs))
}

func configList(configs []*agentconfig.Config) ConfigList {
	out := ConfigList{Configs: make([]ConfigInfo, 0, len(configs))}
	for _, c := range configs {
		out.Configs = append(out.Configs, ConfigInfo{
			ID:             c.ID,
			Name:           c.Name,
			Description:    c.Description,
			Version:        c.Version,
			AllowedTools:   c.AllowedTools,
			HasMCPServers:  len(c.MCPServers) > 0,
			HasSubAgents:   len(c.Agents) > 0,
			PermissionMode: c.PermissionMode,
		})
	}
	out.Total = len(out.Configs)
	return out
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	c, err := s.configs.Load(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, c)
}

// SaveConfigResponse reports where a custom config was written.
type SaveConfigResponse struct {
	Status   string `json:"status"`
	ConfigID string `json:"config_id"`
	Path     string `json:"path"`
}

func (s *Server) configStore(w http.ResponseWriter) (ConfigStore, bool) {
	store, ok := s.configs.(ConfigStore)
	if !ok {
		s.errorResponse(w, http.StatusNotImplemented, errors.New("custom configs are not supported"))
	}
	return store, ok
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	store, ok := s.configStore(w)
	if !ok {
		return
	}
	var c agentconfig.Config
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if c.ID == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("config id is required"))
		return
	}
	path, err := store.Save(&c)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SaveConfigResponse{Status: "success", ConfigID: c.ID, Path: path})
}

func (s *Server) handleListCustomConfigs(w http.ResponseWriter, r *http.Request) {
	store, ok := s.configStore(w)
	if !ok {
		return
	}
	configs, err := store.ListUser()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, configList(configs))
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	store, ok := s.configStore(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := store.Delete(id); err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "success", "config_id": id})
}

// --- Sessions ---

// LaunchRequest starts a session from a saved or inline config.
type LaunchRequest struct {
	// APIKey may also be sent as a bearer token.
	APIKey   string              `json:"api_key,omitempty"`
	ConfigID string              `json:"config_id,omitempty"`
	Config   *agentconfig.Config `json:"config,omitempty"`
	// Provider selects a backend other than the default.
	Provider string `json:"provider,omitempty"`
	// MCPEnv holds runtime credentials per MCP server.
	MCPEnv              map[string]map[string]string `json:"mcp_env,omitempty"`
	PlatformCredentials map[string]string            `json:"platform_credentials,omitempty"`
}

type LaunchResponse struct {
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id"`
	ConfigID  string         `json:"config_id"`
	Backend   string         `json:"backend"`
	Status    sandbox.Status `json:"status"`
	Message   string         `json:"message,omitempty"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.APIKey == "" {
		req.APIKey = bearer(r)
	}
	if req.APIKey == "" {
		s.errorResponse(w, http.StatusUnauthorized, errMissingAuth)
		return
	}

	sess, err := s.sessions.Create(r.Context(), "", session.CreateOptions{
		ConfigID:            req.ConfigID,
		Config:              req.Config,
		Backend:             req.Provider,
		APIKey:              req.APIKey,
		IntegrationEnv:      req.MCPEnv,
		PlatformCredentials: req.PlatformCredentials,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, LaunchResponse{
		SessionID: sess.ID,
		AgentID:   sess.Agent.ID,
		ConfigID:  sess.ConfigID,
		Backend:   sess.Backend,
		Status:    sess.Agent.Container.Status,
		Message:   fmt.Sprintf("Agent launched from config %s", sess.ConfigID),
	})
}

type SessionList struct {
	Sessions []session.Summary `json:"sessions"`
	Total    int               `json:"total"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List(r.Context())
	s.jsonResponse(w, http.StatusOK, SessionList{Sessions: sessions, Total: len(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sessions.Describe(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, summary)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existed, err := s.sessions.Stop(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	msg := fmt.Sprintf("Session %s stopped and removed", id)
	if !existed {
		msg = fmt.Sprintf("Session %s did not exist", id)
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "success", "message": msg})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Interrupt(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Interrupt signal sent to session %s", id),
	})
}

// --- Upload ---

type UploadResponse struct {
	SessionID  string   `json:"session_id"`
	Uploaded   []string `json:"uploaded"`
	TotalFiles int      `json:"total_files"`
	TargetPath string   `json:"target_path"`
}

var (
	errTraversal   = errors.New("invalid path: traversal detected")
	errAbsolute    = errors.New("invalid path: absolute paths not allowed")
	unsafeFileChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// WorkspacePath resolves a user supplied directory relative to the
// workspace.
func WorkspacePath(p string) (string, error) {
	if strings.HasPrefix(p, "/") {
		return "", errAbsolute
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", errTraversal
		}
	}
	return path.Join(WorkspaceDir, p), nil
}

// SanitizeFilename reduces name to a safe base name. It returns "" when
// nothing usable remains.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeFileChar.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if len(name) > 255 {
		name = name[len(name)-255:]
	}
	return name
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.authorize(w, id, bearer(r)); !ok {
		return
	}

	target, err := WorkspacePath(r.URL.Query().Get("target_path"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadTotalSize+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, fmt.Errorf("total upload size exceeds %d bytes", MaxUploadTotalSize))
			return
		}
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("parsing upload: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	switch {
	case len(headers) == 0:
		s.errorResponse(w, http.StatusBadRequest, errors.New("no files provided"))
		return
	case len(headers) > MaxUploadFiles:
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("too many files: %d, maximum is %d", len(headers), MaxUploadFiles))
		return
	}

	var total int64
	files := make([]sandbox.File, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > MaxUploadFileSize {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, fmt.Errorf("file %s too large, maximum is %d bytes", fh.Filename, MaxUploadFileSize))
			return
		}
		if total += fh.Size; total > MaxUploadTotalSize {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, fmt.Errorf("total upload size exceeds %d bytes", MaxUploadTotalSize))
			return
		}
		name := SanitizeFilename(fh.Filename)
		if name == "" {
			s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid filename %q", fh.Filename))
			return
		}
		f, err := fh.Open()
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
		files = append(files, sandbox.File{Name: name, Content: content})
	}

	names, err := s.sessions.Upload(r.Context(), id, files, target, overwrite)
	if err != nil {
		s.fail(w, err)
		return
	}
	slog.Info("Uploaded files", "session", id, "count", len(names), "target", target)
	s.jsonResponse(w, http.StatusOK, UploadResponse{
		SessionID:  id,
		Uploaded:   names,
		TotalFiles: len(names),
		TargetPath: target,
	})
}
