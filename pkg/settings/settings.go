// Package settings loads process settings from the environment and an
// optional .env file.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/nstogner/agcluster/pkg/logging"
	"github.com/nstogner/agcluster/pkg/orchestrator"
	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/sandbox/docker"
	"github.com/nstogner/agcluster/pkg/sandbox/machines"
)

// Prefix is prepended to every variable name.
const Prefix = "AGCLUSTER_"

// Settings are the process-wide settings.
type Settings struct {
	APIHost string `env:"API_HOST" envDefault:"0.0.0.0"`
	APIPort int    `env:"API_PORT" envDefault:"8000"`

	// Provider selects the default sandbox backend.
	Provider      string `env:"PROVIDER" envDefault:"docker"`
	AgentImage    string `env:"AGENT_IMAGE" envDefault:"agcluster/agent:latest"`
	DockerNetwork string `env:"DOCKER_NETWORK" envDefault:"bridge"`
	// PublishPorts reaches sandboxes through host loopback ports, for hosts
	// that cannot route to container addresses.
	PublishPorts  bool `env:"PUBLISH_PORTS" envDefault:"false"`
	MaxContainers int  `env:"MAX_CONTAINERS" envDefault:"0"`
	AgentPort     int  `env:"AGENT_PORT" envDefault:"3000"`

	FlyAPIToken string `env:"FLY_API_TOKEN"`
	FlyAppName  string `env:"FLY_APP_NAME"`
	FlyRegion   string `env:"FLY_REGION" envDefault:"iad"`
	FlyImage    string `env:"FLY_IMAGE"`
	FlyBaseURL  string `env:"FLY_API_URL"`

	ContainerCPUQuota     int64  `env:"CONTAINER_CPU_QUOTA" envDefault:"200000"`
	ContainerMemoryLimit  string `env:"CONTAINER_MEMORY_LIMIT" envDefault:"4g"`
	ContainerStorageLimit string `env:"CONTAINER_STORAGE_LIMIT" envDefault:"10g"`

	DefaultSystemPrompt string   `env:"DEFAULT_SYSTEM_PROMPT" envDefault:"You are a helpful AI assistant with access to tools."`
	DefaultAllowedTools []string `env:"DEFAULT_ALLOWED_TOOLS" envSeparator:"," envDefault:"Bash,Read,Write,Grep"`

	InactiveContainerTimeout time.Duration `env:"INACTIVE_CONTAINER_TIMEOUT" envDefault:"30m"`
	CleanupInterval          time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
	ReadyTimeout             time.Duration `env:"READY_TIMEOUT" envDefault:"60s"`
	QueryTimeout             time.Duration `env:"QUERY_TIMEOUT" envDefault:"5m"`

	ConfigDir string `env:"CONFIG_DIR" envDefault:"configs/presets"`
	// UserConfigDir holds user configs that shadow presets. Defaults to
	// ~/.agcluster/configs.
	UserConfigDir string `env:"USER_CONFIG_DIR"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSize    int    `env:"LOG_MAX_SIZE" envDefault:"50"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
	LogMaxAge     int    `env:"LOG_MAX_AGE" envDefault:"28"`
}

// Load reads envFile when it exists, then parses the environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var s Settings
	if err := env.Parse(&s, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	if s.UserConfigDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			s.UserConfigDir = filepath.Join(home, ".agcluster", "configs")
		}
	}
	for i, t := range s.DefaultAllowedTools {
		s.DefaultAllowedTools[i] = strings.TrimSpace(t)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("Loaded settings", "provider", s.Provider, "image", s.AgentImage)
	return &s, nil
}

// Validate checks value ranges that env parsing cannot express.
func (s *Settings) Validate() error {
	if s.APIPort <= 0 || s.APIPort > 65535 {
		return fmt.Errorf("invalid API port %d", s.APIPort)
	}
	if s.ContainerCPUQuota <= 0 {
		return fmt.Errorf("invalid container CPU quota %d", s.ContainerCPUQuota)
	}
	if s.InactiveContainerTimeout <= 0 || s.CleanupInterval <= 0 {
		return errors.New("idle timeout and cleanup interval must be positive")
	}
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

// Addr is the API listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.APIHost, s.APIPort)
}

// BackendOptions returns construction options per backend name.
func (s *Settings) BackendOptions() map[string]sandbox.Options {
	return map[string]sandbox.Options{
		docker.Name: {
			Image:         s.AgentImage,
			Network:       s.DockerNetwork,
			PublishPorts:  s.PublishPorts,
			MaxContainers: s.MaxContainers,
			AgentPort:     s.AgentPort,
			ReadyTimeout:  s.ReadyTimeout,
			QueryTimeout:  s.QueryTimeout,
		},
		machines.Name: {
			Image:        s.FlyImage,
			APIToken:     s.FlyAPIToken,
			AppName:      s.FlyAppName,
			Region:       s.FlyRegion,
			BaseURL:      s.FlyBaseURL,
			AgentPort:    s.AgentPort,
			ReadyTimeout: s.ReadyTimeout,
			QueryTimeout: s.QueryTimeout,
		},
	}
}

// Defaults returns the platform defaults handed to the orchestrator.
func (s *Settings) Defaults() orchestrator.Defaults {
	return orchestrator.Defaults{
		CPUQuota:     s.ContainerCPUQuota,
		MemoryLimit:  s.ContainerMemoryLimit,
		StorageLimit: s.ContainerStorageLimit,
		SystemPrompt: s.DefaultSystemPrompt,
		AllowedTools: s.DefaultAllowedTools,
	}
}

// Logging returns the logger options.
func (s *Settings) Logging() logging.Options {
	return logging.Options{
		Level:      s.LogLevel,
		Format:     s.LogFormat,
		File:       s.LogFile,
		MaxSize:    s.LogMaxSize,
		MaxBackups: s.LogMaxBackups,
		MaxAge:     s.LogMaxAge,
	}
}
