// Package testkit holds in-memory fakes of the external capabilities the control plane
// drives: the runtime host and the session API inside each runtime.
package testkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/runtime"
)

// FakeHost is an in-memory runtime.Host.
type FakeHost struct {
	mu        sync.Mutex
	instances map[string]*runtime.Instance
	stats     map[string]models.RuntimeStats

	// Failure injection
	CreateErr error
	StartErr  error
	AttachErr error

	// Call logs
	Created   []string
	Removed   []string
	Restarted []string

	Now func() time.Time
}

// NewFakeHost creates an empty fake host.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		instances: make(map[string]*runtime.Instance),
		stats:     make(map[string]models.RuntimeStats),
		Now:       time.Now,
	}
}

// Seed inserts an instance as if it had been created earlier.
func (h *FakeHost) Seed(inst runtime.Instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := inst
	h.instances[inst.Name] = &cp
}

// SetStats sets the sample Stats returns for name.
func (h *FakeHost) SetStats(name string, s models.RuntimeStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats[name] = s
}

func (h *FakeHost) Create(ctx context.Context, spec runtime.Spec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CreateErr != nil {
		return h.CreateErr
	}
	if _, ok := h.instances[spec.Name]; ok {
		return apperrors.New("fakehost.Create", spec.Name, apperrors.ErrAlreadyExists, nil)
	}
	for _, inst := range h.instances {
		if inst.HostPort == spec.HostPort {
			return fmt.Errorf("port %d already bound by %s", spec.HostPort, inst.Name)
		}
	}
	h.instances[spec.Name] = &runtime.Instance{
		Name:      spec.Name,
		TenantID:  spec.TenantID,
		HostPort:  spec.HostPort,
		CreatedAt: h.Now(),
	}
	h.Created = append(h.Created, spec.Name)
	return nil
}

func (h *FakeHost) get(op, name string) (*runtime.Instance, error) {
	inst, ok := h.instances[name]
	if !ok {
		return nil, apperrors.New(op, name, apperrors.ErrNotFound, nil)
	}
	return inst, nil
}

func (h *FakeHost) Start(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.StartErr != nil {
		return h.StartErr
	}
	inst, err := h.get("fakehost.Start", name)
	if err != nil {
		return err
	}
	inst.Running = true
	return nil
}

func (h *FakeHost) Stop(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, err := h.get("fakehost.Stop", name)
	if err != nil {
		return err
	}
	inst.Running = false
	return nil
}

func (h *FakeHost) Restart(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, err := h.get("fakehost.Restart", name)
	if err != nil {
		return err
	}
	inst.Running = true
	h.Restarted = append(h.Restarted, name)
	return nil
}

func (h *FakeHost) Remove(ctx context.Context, name string, removeVolume bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.get("fakehost.Remove", name); err != nil {
		return err
	}
	delete(h.instances, name)
	delete(h.stats, name)
	h.Removed = append(h.Removed, name)
	return nil
}

func (h *FakeHost) Inspect(ctx context.Context, name string) (*runtime.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, err := h.get("fakehost.Inspect", name)
	if err != nil {
		return nil, err
	}
	cp := *inst
	return &cp, nil
}

func (h *FakeHost) ListManaged(ctx context.Context) ([]runtime.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]runtime.Instance, 0, len(h.instances))
	for _, inst := range h.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (h *FakeHost) Stats(ctx context.Context, name string) (models.RuntimeStats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.get("fakehost.Stats", name); err != nil {
		return models.RuntimeStats{}, err
	}
	return h.stats[name], nil
}

func (h *FakeHost) AttachNetwork(ctx context.Context, name, network string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.AttachErr != nil {
		return h.AttachErr
	}
	_, err := h.get("fakehost.AttachNetwork", name)
	return err
}

// Has reports whether a runtime named name exists.
func (h *FakeHost) Has(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.instances[name]
	return ok
}

var _ runtime.Host = (*FakeHost)(nil)
