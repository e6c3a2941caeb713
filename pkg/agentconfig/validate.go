package agentconfig

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/nstogner/agcluster/pkg/tools"
)

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidID reports whether id is a usable config id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("configid", func(fl validator.FieldLevel) bool {
			return ValidID(fl.Field().String())
		})
	})
	return validate
}

// Validate checks c against the schema and the tool catalog. A nil catalog
// uses tools.Default.
func Validate(c *Config, catalog *tools.Registry) error {
	if err := structValidator().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if catalog == nil {
		catalog = tools.Default()
	}
	if err := catalog.Validate(c.AllowedTools); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for name, a := range c.Agents {
		if err := catalog.Validate(a.Tools); err != nil {
			return fmt.Errorf("%w: agent %q: %v", ErrInvalidConfig, name, err)
		}
	}
	for name, s := range c.MCPServers {
		switch s.Transport() {
		case TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("%w: mcp server %q: command is required", ErrInvalidConfig, name)
			}
		default:
			if s.URL == "" {
				return fmt.Errorf("%w: mcp server %q: url is required", ErrInvalidConfig, name)
			}
		}
	}
	return nil
}
