// Package consul registers the control plane with a Consul agent.
package consul

import (
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
)

// Connect establishes a connection to the Consul agent.
func Connect(address string, logger *zap.Logger) (*consulapi.Client, error) {
	logger.Info("Attempting to connect to Consul agent", zap.String("address", address))
	cfg := consulapi.DefaultConfig()
	cfg.Address = address
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect/ping consul agent: %w", err)
	}
	logger.Info("Successfully connected to Consul agent", zap.String("address", address))
	return client, nil
}

// Registration builds the agent registration for this instance. port is the listen
// address from config, e.g. ":8010".
func Registration(cfg config.ConsulConfig, port, serviceID string) (*consulapi.AgentServiceRegistration, error) {
	host, portStr, err := net.SplitHostPort(port)
	if err != nil {
		host, portStr = "", port
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port number '%s': %w", portStr, err)
	}

	return &consulapi.AgentServiceRegistration{
		ID:      serviceID,
		Name:    cfg.ServiceName,
		Port:    p,
		Address: host,
		Tags:    cfg.ServiceTags,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d%s", checkAddress(host), p, cfg.HealthCheckPath),
			Interval:                       cfg.HealthCheckInterval.String(),
			Timeout:                        cfg.HealthCheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
		},
	}, nil
}

// checkAddress falls back to loopback when the service listens on all interfaces.
func checkAddress(host string) string {
	if host == "" || host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return host
}

// RegisterService registers this instance with the local agent.
func RegisterService(client *consulapi.Client, cfg config.ConsulConfig, port, serviceID string, logger *zap.Logger) error {
	reg, err := Registration(cfg, port, serviceID)
	if err != nil {
		return err
	}
	if err := client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("failed to register service '%s' with Consul: %w", cfg.ServiceName, err)
	}
	logger.Info("Registered service with Consul",
		zap.String("service_name", cfg.ServiceName),
		zap.String("service_id", serviceID))
	return nil
}

// DeregisterService removes this instance from the agent during shutdown.
func DeregisterService(client *consulapi.Client, serviceID string, logger *zap.Logger) {
	if err := client.Agent().ServiceDeregister(serviceID); err != nil {
		logger.Error("Failed to deregister service from Consul", zap.String("service_id", serviceID), zap.Error(err))
		return
	}
	logger.Info("Deregistered service from Consul", zap.String("service_id", serviceID))
}
