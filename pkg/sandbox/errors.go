package sandbox

import "errors"

var (
	// ErrImageNotFound is returned when the agent image is missing.
	ErrImageNotFound = errors.New("sandbox: agent image not found")

	// ErrQuotaExceeded is returned when the backend refuses more sandboxes.
	ErrQuotaExceeded = errors.New("sandbox: quota exceeded")

	// ErrBackendUnavailable is returned when the infrastructure provider
	// cannot be reached or rejects the request.
	ErrBackendUnavailable = errors.New("sandbox: backend unavailable")

	// ErrProvisioningTimeout is returned when the sandbox did not become
	// healthy in time. The container may still be returned alongside it.
	ErrProvisioningTimeout = errors.New("sandbox: provisioning timed out")

	// ErrNotFound is returned for unknown container ids.
	ErrNotFound = errors.New("sandbox: container not found")

	// ErrConflict is returned when an upload would overwrite a file.
	ErrConflict = errors.New("sandbox: file already exists")

	// ErrInvalidResourceSpec is returned for unparseable resource limits.
	ErrInvalidResourceSpec = errors.New("sandbox: invalid resource spec")

	// ErrUnknownBackend is returned by the registry for unregistered names.
	ErrUnknownBackend = errors.New("sandbox: unknown backend")
)
