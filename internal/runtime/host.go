// Package runtime provisions and supervises the isolated per-tenant messaging runtimes.
package runtime

import (
	"context"
	"time"

	"github.com/dante-gpu/dante-messaging/internal/models"
)

// Labels set on every managed runtime so ListManaged can find them after a restart of
// the control plane.
const (
	LabelManaged  = "io.dante.messaging.managed"
	LabelTenantID = "io.dante.messaging.tenant"
	LabelHostPort = "io.dante.messaging.port"
)

// Spec is what the provisioner asks a host to create.
type Spec struct {
	Name     string
	TenantID string
	HostPort int
	APIKey   string
}

// Instance is a managed runtime as the host reports it.
type Instance struct {
	Name      string
	TenantID  string // Empty when the tenant label is missing
	HostPort  int
	Running   bool
	CreatedAt time.Time
}

// Host abstracts the substrate that runs tenant runtimes. Implementations return
// ErrNotFound for unknown names and ErrAlreadyExists when Create races another creator.
type Host interface {
	Create(ctx context.Context, spec Spec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	// Remove deletes the runtime and, when removeVolume is set, its persistent data.
	Remove(ctx context.Context, name string, removeVolume bool) error
	Inspect(ctx context.Context, name string) (*Instance, error)
	// ListManaged returns every managed runtime, stopped ones included.
	ListManaged(ctx context.Context) ([]Instance, error)
	Stats(ctx context.Context, name string) (models.RuntimeStats, error)
	AttachNetwork(ctx context.Context, name, network string) error
}
