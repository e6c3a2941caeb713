package agentconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/nstogner/agcluster/pkg/tools"
	"gopkg.in/yaml.v3"
)

// Loader resolves configs by id from a user directory and a preset directory.
// User configs shadow presets with the same id.
type Loader struct {
	UserDir   string
	PresetDir string
	Tools     *tools.Registry
}

// Parse decodes, normalizes and validates a YAML config.
func Parse(data []byte, catalog *tools.Registry) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.Normalize()
	if err := Validate(&c, catalog); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads a single config file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	c, err := Parse(data, l.Tools)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Load finds the config with the given id.
func (l *Loader) Load(id string) (*Config, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrConfigNotFound, id)
	}
	for _, dir := range l.dirs() {
		path := filepath.Join(dir, id+".yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		slog.Debug("Loading config", "id", id, "path", path)
		return l.LoadFile(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrConfigNotFound, id)
}

// List returns every loadable config sorted by id. Invalid files are skipped.
func (l *Loader) List() ([]*Config, error) {
	byID := make(map[string]*Config)
	// Presets first so user configs overwrite them.
	dirs := l.dirs()
	for i := len(dirs) - 1; i >= 0; i-- {
		matches, err := filepath.Glob(filepath.Join(dirs[i], "*.yaml"))
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dirs[i], err)
		}
		for _, path := range matches {
			c, err := l.LoadFile(path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					slog.Warn("Skipping invalid config", "path", path, "error", err)
				}
				continue
			}
			byID[c.ID] = c
		}
	}

	out := make([]*Config, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save validates c and writes it to the user directory as <id>.yaml,
// replacing any previous user config with that id. It returns the path.
func (l *Loader) Save(c *Config) (string, error) {
	if l.UserDir == "" {
		return "", ErrNoUserDir
	}
	if c == nil || !ValidID(c.ID) {
		return "", fmt.Errorf("%w: config id must match %s", ErrInvalidConfig, idPattern)
	}
	cfg := *c
	cfg.Normalize()
	if err := Validate(&cfg, l.Tools); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("encoding config %s: %w", cfg.ID, err)
	}
	if err := os.MkdirAll(l.UserDir, 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	// Write then rename so readers never see a partial file.
	path := filepath.Join(l.UserDir, cfg.ID+".yaml")
	tmp, err := os.CreateTemp(l.UserDir, "."+cfg.ID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("saving config %s: %w", cfg.ID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("saving config %s: %w", cfg.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("saving config %s: %w", cfg.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("saving config %s: %w", cfg.ID, err)
	}
	slog.Info("Saved config", "id", cfg.ID, "path", path)
	return path, nil
}

// ListUser returns the configs in the user directory only, sorted by id.
func (l *Loader) ListUser() ([]*Config, error) {
	if l.UserDir == "" {
		return []*Config{}, nil
	}
	return (&Loader{UserDir: l.UserDir, Tools: l.Tools}).List()
}

// Delete removes a user config. Presets cannot be deleted.
func (l *Loader) Delete(id string) error {
	if l.UserDir == "" {
		return ErrNoUserDir
	}
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrConfigNotFound, id)
	}
	path := filepath.Join(l.UserDir, id+".yaml")
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrConfigNotFound, id)
		}
		return fmt.Errorf("deleting config %s: %w", id, err)
	}
	slog.Info("Deleted config", "id", id, "path", path)
	return nil
}

func (l *Loader) dirs() []string {
	var dirs []string
	if l.UserDir != "" {
		dirs = append(dirs, l.UserDir)
	}
	if l.PresetDir != "" {
		dirs = append(dirs, l.PresetDir)
	}
	return dirs
}
