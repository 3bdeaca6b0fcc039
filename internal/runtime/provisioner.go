package runtime

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/logging"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/session"
)

// nameHashBytes of the tenant ID hash are appended to runtime names.
const nameHashBytes = 4

// ClientFactory builds a session client for a runtime address and credential.
type ClientFactory func(address, apiKey string) session.Client

// Provisioner owns the tenant runtimes and the host port range they are bound to.
type Provisioner struct {
	host      Host
	cfg       config.RuntimeConfig
	registry  *Registry
	newClient ClientFactory
	logger    *zap.Logger

	locksMu     sync.Mutex
	tenantLocks map[string]*sync.Mutex
	portMu      sync.Mutex

	// sleep waits between readiness polls.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProvisioner creates a provisioner on top of host.
func NewProvisioner(host Host, cfg config.RuntimeConfig, newClient ClientFactory, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		host:        host,
		cfg:         cfg,
		registry:    NewRegistry(),
		newClient:   newClient,
		logger:      logger,
		tenantLocks: make(map[string]*sync.Mutex),
		sleep:       sleepCtx,
	}
}

// HTTPClientFactory returns the production ClientFactory.
func HTTPClientFactory(timeout time.Duration, logger *zap.Logger) ClientFactory {
	return func(address, apiKey string) session.Client {
		return session.NewHTTPClient(address, apiKey, timeout, logger)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Registry exposes the client registry.
func (p *Provisioner) Registry() *Registry {
	return p.registry
}

// RuntimeName returns the host-level name of a tenant's runtime. The sanitized tenant ID
// keeps names readable; the suffix hashes the raw ID so distinct tenants never share a name.
func (p *Provisioner) RuntimeName(tenantID string) string {
	var b strings.Builder
	b.WriteString(p.cfg.NamePrefix)
	for _, r := range strings.ToLower(tenantID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	sum := sha256.Sum256([]byte(tenantID))
	b.WriteByte('-')
	b.WriteString(hex.EncodeToString(sum[:nameHashBytes]))
	return b.String()
}

// APIKey derives the runtime credential of a tenant from the master secret.
func (p *Provisioner) APIKey(tenantID string) string {
	mac := hmac.New(sha256.New, []byte(p.cfg.APIKeySecret))
	mac.Write([]byte(tenantID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *Provisioner) address(port int) string {
	return fmt.Sprintf("http://%s:%d", p.cfg.HostAddress, port)
}

func (p *Provisioner) lockTenant(tenantID string) func() {
	p.locksMu.Lock()
	l, ok := p.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		p.tenantLocks[tenantID] = l
	}
	p.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// GetOrCreate returns the tenant's runtime, provisioning it if needed. When the runtime
// does not pass the readiness probe within the configured window the handle is returned
// with status starting; callers retry the dependent operation later.
func (p *Provisioner) GetOrCreate(ctx context.Context, tenantID string) (*models.TenantRuntime, error) {
	unlock := p.lockTenant(tenantID)
	defer unlock()

	logger := logging.FromContext(ctx, p.logger).With(zap.String("tenant_id", tenantID))
	name := p.RuntimeName(tenantID)

	inst, err := p.host.Inspect(ctx, name)
	switch {
	case err == nil:
		if !inst.Running {
			logger.Info("Starting stopped runtime", zap.String("runtime", name))
			if err := p.host.Start(ctx, name); err != nil {
				return nil, fmt.Errorf("failed to start runtime %s: %w", name, err)
			}
		}
	case apperrors.IsNotFound(err):
		inst, err = p.provision(ctx, logger, tenantID, name)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to inspect runtime %s: %w", name, err)
	}

	handle := &models.TenantRuntime{
		TenantID:  tenantID,
		Name:      name,
		HostPort:  inst.HostPort,
		Address:   p.address(inst.HostPort),
		APIKey:    p.APIKey(tenantID),
		Status:    models.RuntimeStarting,
		CreatedAt: inst.CreatedAt,
	}

	client, ok := p.registry.Get(tenantID)
	if !ok {
		client = p.newClient(handle.Address, handle.APIKey)
		p.registry.Put(tenantID, client)
	}

	if p.waitReady(ctx, client) {
		handle.Status = models.RuntimeRunning
	} else {
		logger.Warn("Runtime not ready within readiness window, returning starting handle",
			zap.String("runtime", name),
			zap.Duration("readiness_timeout", p.cfg.ReadinessTimeout))
	}
	return handle, nil
}

// provision allocates a port and creates the runtime. The port lock is held until the
// host has recorded the new runtime so concurrent provisioning cannot pick the same port.
func (p *Provisioner) provision(ctx context.Context, logger *zap.Logger, tenantID, name string) (*Instance, error) {
	p.portMu.Lock()
	defer p.portMu.Unlock()

	port, err := p.allocatePort(ctx)
	if err != nil {
		return nil, err
	}

	spec := Spec{Name: name, TenantID: tenantID, HostPort: port, APIKey: p.APIKey(tenantID)}
	logger.Info("Provisioning runtime", zap.String("runtime", name), zap.Int("host_port", port))

	if err := p.host.Create(ctx, spec); err != nil {
		if apperrors.IsAlreadyExists(err) {
			logger.Info("Runtime created concurrently, reusing it", zap.String("runtime", name))
			inst, inspectErr := p.host.Inspect(ctx, name)
			if inspectErr != nil {
				return nil, fmt.Errorf("failed to inspect concurrently created runtime: %w", inspectErr)
			}
			if !inst.Running {
				if err := p.host.Start(ctx, name); err != nil {
					return nil, fmt.Errorf("failed to start runtime %s: %w", name, err)
				}
			}
			return inst, nil
		}
		p.cleanup(ctx, logger, name)
		return nil, fmt.Errorf("failed to create runtime %s: %w", name, err)
	}

	if p.cfg.Network != "" {
		if err := p.host.AttachNetwork(ctx, name, p.cfg.Network); err != nil {
			p.cleanup(ctx, logger, name)
			return nil, fmt.Errorf("failed to attach runtime %s to network %s: %w", name, p.cfg.Network, err)
		}
	}

	if err := p.host.Start(ctx, name); err != nil {
		p.cleanup(ctx, logger, name)
		return nil, fmt.Errorf("failed to start runtime %s: %w", name, err)
	}

	inst, err := p.host.Inspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect new runtime %s: %w", name, err)
	}
	return inst, nil
}

// allocatePort returns the lowest port in the configured range not bound by any managed
// runtime, stopped ones included.
func (p *Provisioner) allocatePort(ctx context.Context) (int, error) {
	instances, err := p.host.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list managed runtimes: %w", err)
	}
	used := make(map[int]bool, len(instances))
	for _, inst := range instances {
		used[inst.HostPort] = true
	}
	for port := p.cfg.PortRangeStart; port <= p.cfg.PortRangeEnd; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, apperrors.Exhausted("runtime.allocatePort", "",
		"no free port in %d-%d", p.cfg.PortRangeStart, p.cfg.PortRangeEnd)
}

func (p *Provisioner) cleanup(ctx context.Context, logger *zap.Logger, name string) {
	if err := p.host.Remove(ctx, name, true); err != nil && !apperrors.IsNotFound(err) {
		logger.Warn("Failed to clean up half-created runtime", zap.String("runtime", name), zap.Error(err))
	}
}

// waitReady polls the version endpoint until it answers or the readiness window closes.
func (p *Provisioner) waitReady(ctx context.Context, client session.Client) bool {
	polls := 1
	if p.cfg.ReadinessPollInterval > 0 {
		polls = int(p.cfg.ReadinessTimeout / p.cfg.ReadinessPollInterval)
		if polls < 1 {
			polls = 1
		}
	}

	for i := 0; i < polls; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := client.Version(probeCtx)
		cancel()
		if err == nil {
			return true
		}
		if i == polls-1 {
			break
		}
		if p.sleep(ctx, p.cfg.ReadinessPollInterval) != nil {
			return false
		}
	}
	return false
}

// Destroy stops and removes the tenant's runtime and its volume.
func (p *Provisioner) Destroy(ctx context.Context, tenantID string) error {
	unlock := p.lockTenant(tenantID)
	defer unlock()
	return p.destroyByName(ctx, tenantID, p.RuntimeName(tenantID))
}

// DestroyInstance removes a managed runtime found by the reaper, which may carry a
// name that no longer maps to a known tenant.
func (p *Provisioner) DestroyInstance(ctx context.Context, inst Instance) error {
	if inst.TenantID != "" {
		unlock := p.lockTenant(inst.TenantID)
		defer unlock()
	}
	return p.destroyByName(ctx, inst.TenantID, inst.Name)
}

func (p *Provisioner) destroyByName(ctx context.Context, tenantID, name string) error {
	if tenantID != "" {
		p.registry.Invalidate(tenantID)
	}

	if err := p.host.Stop(ctx, name); err != nil && !apperrors.IsNotFound(err) {
		p.logger.Warn("Failed to stop runtime before removal", zap.String("runtime", name), zap.Error(err))
	}
	if err := p.host.Remove(ctx, name, true); err != nil && !apperrors.IsNotFound(err) {
		return fmt.Errorf("failed to remove runtime %s: %w", name, err)
	}
	p.logger.Info("Runtime destroyed", zap.String("runtime", name), zap.String("tenant_id", tenantID))
	return nil
}

// Restart restarts the tenant's runtime in place, keeping its port and volume.
func (p *Provisioner) Restart(ctx context.Context, tenantID string) error {
	unlock := p.lockTenant(tenantID)
	defer unlock()

	name := p.RuntimeName(tenantID)
	p.registry.Invalidate(tenantID)
	if err := p.host.Restart(ctx, name); err != nil {
		return fmt.Errorf("failed to restart runtime %s: %w", name, err)
	}
	p.logger.Info("Runtime restarted", zap.String("runtime", name), zap.String("tenant_id", tenantID))
	return nil
}

// Stats samples resource usage of the tenant's runtime.
func (p *Provisioner) Stats(ctx context.Context, tenantID string) (models.RuntimeStats, error) {
	return p.host.Stats(ctx, p.RuntimeName(tenantID))
}

// Ping round-trips the runtime's lightweight status endpoint.
func (p *Provisioner) Ping(ctx context.Context, tenantID string) error {
	client, err := p.Client(ctx, tenantID)
	if err != nil {
		return err
	}
	_, err = client.Version(ctx)
	return err
}

// Client returns the session client of the tenant's runtime without provisioning one.
func (p *Provisioner) Client(ctx context.Context, tenantID string) (session.Client, error) {
	if c, ok := p.registry.Get(tenantID); ok {
		return c, nil
	}
	inst, err := p.host.Inspect(ctx, p.RuntimeName(tenantID))
	if err != nil {
		return nil, err
	}
	c := p.newClient(p.address(inst.HostPort), p.APIKey(tenantID))
	p.registry.Put(tenantID, c)
	return c, nil
}

// Instances lists every managed runtime.
func (p *Provisioner) Instances(ctx context.Context) ([]Instance, error) {
	return p.host.ListManaged(ctx)
}
