package machines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nstogner/agcluster/pkg/sandbox"
)

// Machine states reported by the API.
const (
	StateCreated   = "created"
	StateStarting  = "starting"
	StateStarted   = "started"
	StateStopping  = "stopping"
	StateStopped   = "stopped"
	StateSuspended = "suspended"
	StateDestroyed = "destroyed"
	StateFailed    = "failed"
)

type machine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Region    string `json:"region"`
	PrivateIP string `json:"private_ip"`
}

type createMachineRequest struct {
	Name   string        `json:"name"`
	Config machineConfig `json:"config"`
	Region string        `json:"region,omitempty"`
}

type machineConfig struct {
	Image       string            `json:"image"`
	Env         map[string]string `json:"env"`
	Services    []service         `json:"services"`
	Guest       guest             `json:"guest"`
	Restart     restartPolicy     `json:"restart"`
	AutoDestroy bool              `json:"auto_destroy"`
}

type service struct {
	Ports        []servicePort `json:"ports"`
	Protocol     string        `json:"protocol"`
	InternalPort int           `json:"internal_port"`
}

type servicePort struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers"`
}

type guest struct {
	CPUs     int `json:"cpus"`
	MemoryMB int `json:"memory_mb"`
}

type restartPolicy struct {
	Policy string `json:"policy"`
}

// apiError is a non-2xx reply from the machines API.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("machines API error (%d): %s", e.Status, e.Body)
}

// classify maps API failures onto the sandbox error taxonomy.
func classify(err error) error {
	var ae *apiError
	if !errors.As(err, &ae) {
		return fmt.Errorf("%w: %v", sandbox.ErrBackendUnavailable, err)
	}
	switch {
	case ae.Status == http.StatusPaymentRequired, ae.Status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", sandbox.ErrQuotaExceeded, ae)
	case ae.Status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(ae.Body), "image"):
		return fmt.Errorf("%w: %v", sandbox.ErrImageNotFound, ae)
	case ae.Status == http.StatusUnauthorized, ae.Status == http.StatusForbidden:
		return fmt.Errorf("%w: invalid API token: %v", sandbox.ErrBackendUnavailable, ae)
	default:
		return fmt.Errorf("%w: %v", sandbox.ErrBackendUnavailable, ae)
	}
}

// call makes an HTTP request to the machines control plane and decodes the
// JSON reply into result when it is non-nil.
func (b *Backend) call(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (b *Backend) machinePath(id string) string {
	return "/apps/" + b.app + "/machines/" + id
}

func (b *Backend) getMachine(ctx context.Context, id string) (*machine, error) {
	var m machine
	if err := b.call(ctx, http.MethodGet, b.machinePath(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func isNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}
