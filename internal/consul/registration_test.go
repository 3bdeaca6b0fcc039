package consul

import (
	"testing"
	"time"

	"github.com/dante-gpu/dante-messaging/internal/config"
)

func TestRegistrationFromListenAddress(t *testing.T) {
	cfg := config.ConsulConfig{
		ServiceName:         "messaging-controlplane",
		ServiceTags:         []string{"messaging"},
		HealthCheckPath:     "/health",
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
	}

	reg, err := Registration(cfg, ":8010", "cp-1")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Port != 8010 || reg.Address != "" || reg.ID != "cp-1" {
		t.Fatalf("registration %+v", reg)
	}
	if reg.Check.HTTP != "http://127.0.0.1:8010/health" || reg.Check.Interval != "10s" {
		t.Fatalf("check %+v", reg.Check)
	}

	reg, err = Registration(cfg, "10.0.0.5:9000", "cp-2")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Check.HTTP != "http://10.0.0.5:9000/health" {
		t.Fatalf("check %s", reg.Check.HTTP)
	}

	if _, err := Registration(cfg, "not-a-port", "cp-3"); err == nil {
		t.Fatal("invalid port accepted")
	}
}
