package runtime_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/runtime"
	"github.com/dante-gpu/dante-messaging/internal/testkit"
)

func testConfig() config.RuntimeConfig {
	cfg := config.Default().Runtime
	cfg.PortRangeStart = 30000
	cfg.PortRangeEnd = 30002
	cfg.ReadinessTimeout = 5 * time.Millisecond
	cfg.ReadinessPollInterval = time.Millisecond
	return cfg
}

func newProvisioner(host runtime.Host, api *testkit.FakeSessionAPI) *runtime.Provisioner {
	return runtime.NewProvisioner(host, testConfig(), api.Factory, zap.NewNop())
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	host := testkit.NewFakeHost()
	p := newProvisioner(host, testkit.NewFakeSessionAPI())

	first, err := p.GetOrCreate(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.HostPort != 30000 || first.Status != models.RuntimeRunning {
		t.Fatalf("unexpected handle %+v", first)
	}
	second, err := p.GetOrCreate(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if second.HostPort != first.HostPort || len(host.Created) != 1 {
		t.Fatalf("runtime recreated: ports %d/%d, creates %d", first.HostPort, second.HostPort, len(host.Created))
	}
	if first.APIKey == "" || first.APIKey != p.APIKey("tenant-a") || first.APIKey == p.APIKey("tenant-b") {
		t.Fatal("api key not derived per tenant")
	}
}

func TestPortAllocationSkipsStoppedRuntimes(t *testing.T) {
	ctx := context.Background()
	host := testkit.NewFakeHost()
	host.Seed(runtime.Instance{Name: "rt-old", TenantID: "old", HostPort: 30000, Running: false})
	p := newProvisioner(host, testkit.NewFakeSessionAPI())

	rt, err := p.GetOrCreate(ctx, "tenant-b")
	if err != nil {
		t.Fatal(err)
	}
	if rt.HostPort != 30001 {
		t.Fatalf("port = %d, want 30001", rt.HostPort)
	}
}

func TestConcurrentProvisioningNeverSharesPorts(t *testing.T) {
	ctx := context.Background()
	host := testkit.NewFakeHost()
	p := newProvisioner(host, testkit.NewFakeSessionAPI())

	tenants := []string{"t1", "t2", "t3"}
	var wg sync.WaitGroup
	for _, tenant := range tenants {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			if _, err := p.GetOrCreate(ctx, tenant); err != nil {
				t.Errorf("GetOrCreate(%s): %v", tenant, err)
			}
		}(tenant)
	}
	wg.Wait()

	instances, _ := host.ListManaged(ctx)
	seen := map[int]string{}
	for _, inst := range instances {
		if other, dup := seen[inst.HostPort]; dup {
			t.Fatalf("port %d shared by %s and %s", inst.HostPort, other, inst.Name)
		}
		seen[inst.HostPort] = inst.Name
	}
	if len(seen) != len(tenants) {
		t.Fatalf("expected %d runtimes, got %d", len(tenants), len(seen))
	}
}

func TestPortExhaustion(t *testing.T) {
	ctx := context.Background()
	host := testkit.NewFakeHost()
	p := newProvisioner(host, testkit.NewFakeSessionAPI())
	for _, tenant := range []string{"a", "b", "c"} {
		if _, err := p.GetOrCreate(ctx, tenant); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := p.GetOrCreate(ctx, "d"); !apperrors.IsExhausted(err) {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestNotReadyReturnsStartingHandle(t *testing.T) {
	api := testkit.NewFakeSessionAPI()
	api.SetReady(false)
	p := newProvisioner(testkit.NewFakeHost(), api)

	rt, err := p.GetOrCreate(context.Background(), "slow")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if rt.Status != models.RuntimeStarting {
		t.Fatalf("status = %s, want starting", rt.Status)
	}
}

func TestFailedStartCleansUp(t *testing.T) {
	host := testkit.NewFakeHost()
	host.StartErr = errors.New("oom")
	p := newProvisioner(host, testkit.NewFakeSessionAPI())

	if _, err := p.GetOrCreate(context.Background(), "broken"); err == nil {
		t.Fatal("expected error")
	}
	if host.Has(p.RuntimeName("broken")) {
		t.Fatal("half-created runtime left behind")
	}
}

// racingHost reports AlreadyExists on Create after another creator won.
type racingHost struct {
	*testkit.FakeHost
}

func (h racingHost) Create(ctx context.Context, spec runtime.Spec) error {
	if err := h.FakeHost.Create(ctx, spec); err != nil {
		return err
	}
	return apperrors.New("racing.Create", spec.Name, apperrors.ErrAlreadyExists, nil)
}

func TestAlreadyExistsIsSuccess(t *testing.T) {
	host := racingHost{testkit.NewFakeHost()}
	p := newProvisioner(host, testkit.NewFakeSessionAPI())

	rt, err := p.GetOrCreate(context.Background(), "race")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if rt.HostPort != 30000 {
		t.Fatalf("port = %d", rt.HostPort)
	}
}

func TestDestroyInvalidatesClient(t *testing.T) {
	ctx := context.Background()
	host := testkit.NewFakeHost()
	p := newProvisioner(host, testkit.NewFakeSessionAPI())
	if _, err := p.GetOrCreate(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Registry().Get("gone"); !ok {
		t.Fatal("client not cached")
	}

	if err := p.Destroy(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Registry().Get("gone"); ok {
		t.Fatal("client still cached after destroy")
	}
	if host.Has(p.RuntimeName("gone")) {
		t.Fatal("runtime still present")
	}
	if _, err := p.Client(ctx, "gone"); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRuntimeNamesAreDistinctPerTenant(t *testing.T) {
	p := newProvisioner(testkit.NewFakeHost(), testkit.NewFakeSessionAPI())

	pairs := [][2]string{{"Acme", "acme"}, {"a.b", "a-b"}, {"tenant one", "tenant-one"}}
	for _, pair := range pairs {
		a, b := p.RuntimeName(pair[0]), p.RuntimeName(pair[1])
		if a == b {
			t.Errorf("tenants %q and %q share runtime name %s", pair[0], pair[1], a)
		}
	}
	if p.RuntimeName("Acme") != p.RuntimeName("Acme") {
		t.Error("runtime name must be stable for a tenant")
	}
	name := p.RuntimeName("a.b")
	if !strings.HasPrefix(name, "rt-a-b-") || len(name) != len("rt-a-b-")+8 {
		t.Errorf("runtime name = %s, want rt-a-b- followed by an 8 character hash", name)
	}
}

func TestCaseVariantTenantsGetSeparateRuntimes(t *testing.T) {
	ctx := context.Background()
	host := testkit.NewFakeHost()
	p := newProvisioner(host, testkit.NewFakeSessionAPI())

	upper, err := p.GetOrCreate(ctx, "Acme")
	if err != nil {
		t.Fatalf("GetOrCreate(Acme): %v", err)
	}
	lower, err := p.GetOrCreate(ctx, "acme")
	if err != nil {
		t.Fatalf("GetOrCreate(acme): %v", err)
	}
	if upper.Name == lower.Name || upper.HostPort == lower.HostPort {
		t.Fatalf("tenants share a runtime: %+v and %+v", upper, lower)
	}
	if p.APIKey("Acme") == p.APIKey("acme") {
		t.Fatal("tenants share an API key")
	}
}
