// Package dockerhost runs tenant runtimes as Docker containers.
package dockerhost

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/runtime"
)

const sessionDataPath = "/app/.sessions"

// Host implements runtime.Host on a Docker daemon.
type Host struct {
	docker *client.Client
	cfg    config.RuntimeConfig
	logger *zap.Logger
}

// New connects to the Docker daemon at cfg.DockerEndpoint and verifies it answers.
func New(ctx context.Context, cfg config.RuntimeConfig, logger *zap.Logger) (*Host, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerEndpoint != "" {
		opts = append(opts, client.WithHost(cfg.DockerEndpoint))
	}
	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := docker.Ping(pingCtx); err != nil {
		docker.Close()
		return nil, fmt.Errorf("docker daemon not reachable at %s: %w", cfg.DockerEndpoint, err)
	}

	return &Host{docker: docker, cfg: cfg, logger: logger}, nil
}

// Close releases the Docker client.
func (h *Host) Close() error {
	return h.docker.Close()
}

func volumeName(name string) string {
	return name + "-data"
}

// mapErr translates Docker errdefs classes into the application's error kinds.
func mapErr(op, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return apperrors.New(op, name, apperrors.ErrNotFound, err)
	case errdefs.IsConflict(err):
		return apperrors.New(op, name, apperrors.ErrAlreadyExists, err)
	case errdefs.IsUnavailable(err), errdefs.IsDeadline(err):
		return apperrors.Transient(op, name, err)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

// Create creates the container and its named session volume without starting it.
func (h *Host) Create(ctx context.Context, spec runtime.Spec) error {
	containerPort := nat.Port(fmt.Sprintf("%d/tcp", h.cfg.ContainerPort))

	containerConfig := &container.Config{
		Image: h.cfg.Image,
		Env: []string{
			"WHATSAPP_API_KEY=" + spec.APIKey,
			fmt.Sprintf("WHATSAPP_API_PORT=%d", h.cfg.ContainerPort),
			"TENANT_ID=" + spec.TenantID,
		},
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		Labels: map[string]string{
			runtime.LabelManaged:  "true",
			runtime.LabelTenantID: spec.TenantID,
			runtime.LabelHostPort: strconv.Itoa(spec.HostPort),
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName(spec.Name),
			Target: sessionDataPath,
		}},
		Resources: container.Resources{
			Memory: h.cfg.MemoryLimitMB * 1024 * 1024,
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}

	resp, err := h.docker.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return mapErr("dockerhost.Create", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		h.logger.Warn("Docker warning on container create", zap.String("container", spec.Name), zap.String("warning", w))
	}
	h.logger.Info("Runtime container created",
		zap.String("container", spec.Name),
		zap.String("container_id", resp.ID),
		zap.Int("host_port", spec.HostPort))
	return nil
}

func (h *Host) Start(ctx context.Context, name string) error {
	return mapErr("dockerhost.Start", name, h.docker.ContainerStart(ctx, name, types.ContainerStartOptions{}))
}

func (h *Host) Stop(ctx context.Context, name string) error {
	timeout := 10
	return mapErr("dockerhost.Stop", name, h.docker.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}))
}

func (h *Host) Restart(ctx context.Context, name string) error {
	timeout := 10
	return mapErr("dockerhost.Restart", name, h.docker.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}))
}

// Remove force-removes the container and, if asked, its session volume.
func (h *Host) Remove(ctx context.Context, name string, removeVolume bool) error {
	err := h.docker.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return mapErr("dockerhost.Remove", name, err)
	}
	if removeVolume {
		if err := h.docker.VolumeRemove(ctx, volumeName(name), true); err != nil && !errdefs.IsNotFound(err) {
			h.logger.Warn("Failed to remove runtime volume", zap.String("volume", volumeName(name)), zap.Error(err))
		}
	}
	return nil
}

func (h *Host) Inspect(ctx context.Context, name string) (*runtime.Instance, error) {
	info, err := h.docker.ContainerInspect(ctx, name)
	if err != nil {
		return nil, mapErr("dockerhost.Inspect", name, err)
	}

	inst := &runtime.Instance{Name: strings.TrimPrefix(info.Name, "/")}
	if info.State != nil {
		inst.Running = info.State.Running
	}
	if info.Config != nil {
		inst.TenantID = info.Config.Labels[runtime.LabelTenantID]
		inst.HostPort, _ = strconv.Atoi(info.Config.Labels[runtime.LabelHostPort])
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		inst.CreatedAt = created
	}
	return inst, nil
}

// ListManaged lists containers carrying the managed label, stopped ones included.
func (h *Host) ListManaged(ctx context.Context) ([]runtime.Instance, error) {
	containers, err := h.docker.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", runtime.LabelManaged+"=true")),
	})
	if err != nil {
		return nil, mapErr("dockerhost.ListManaged", "", err)
	}

	out := make([]runtime.Instance, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		port, _ := strconv.Atoi(c.Labels[runtime.LabelHostPort])
		out = append(out, runtime.Instance{
			Name:      name,
			TenantID:  c.Labels[runtime.LabelTenantID],
			HostPort:  port,
			Running:   c.State == "running",
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}

// Stats takes a one-shot sample. Memory percentage is computed against the host's total
// memory when the container runs without a limit.
func (h *Host) Stats(ctx context.Context, name string) (models.RuntimeStats, error) {
	resp, err := h.docker.ContainerStatsOneShot(ctx, name)
	if err != nil {
		return models.RuntimeStats{}, mapErr("dockerhost.Stats", name, err)
	}
	defer resp.Body.Close()

	var s types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return models.RuntimeStats{}, fmt.Errorf("failed to decode stats for %s: %w", name, err)
	}

	out := models.RuntimeStats{}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
		}
		out.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}

	// Page cache is reclaimable and not part of the working set.
	used := s.MemoryStats.Usage
	if cache, ok := s.MemoryStats.Stats["inactive_file"]; ok && cache < used {
		used -= cache
	}
	out.MemMB = float64(used) / 1024 / 1024

	limit := s.MemoryStats.Limit
	if limit == 0 || (h.cfg.MemoryLimitMB == 0 && limit > 1<<50) {
		if vm, err := mem.VirtualMemory(); err == nil {
			limit = vm.Total
		}
	}
	if limit > 0 {
		out.MemPercent = float64(used) / float64(limit) * 100
	}

	for _, n := range s.Networks {
		out.NetRxBytes += n.RxBytes
		out.NetTxBytes += n.TxBytes
	}
	return out, nil
}

// AttachNetwork connects the container to an existing network.
func (h *Host) AttachNetwork(ctx context.Context, name, networkName string) error {
	err := h.docker.NetworkConnect(ctx, networkName, name, &network.EndpointSettings{})
	if err != nil && errdefs.IsForbidden(err) {
		// Already connected.
		return nil
	}
	return mapErr("dockerhost.AttachNetwork", name, err)
}

var _ runtime.Host = (*Host)(nil)
