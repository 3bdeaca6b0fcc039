package egress

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/store"
)

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	chip    *models.ChipSession
	probe   error
	onCheck func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: store.NewMemoryStore()}

	tenant := &models.Tenant{
		ID:     "tenant-1",
		Region: "br",
		Plan:   models.Plan{Name: "pro", MaxChips: 5, EgressBytesPerMonth: 1000},
	}
	if err := f.store.SaveTenant(ctx, tenant); err != nil {
		t.Fatal(err)
	}
	f.chip = &models.ChipSession{ID: uuid.New(), TenantID: tenant.ID, Alias: "sales"}

	cfg := config.Default().Egress
	cfg.BytesPerSample = 100
	prober := ProberFunc(func(ctx context.Context, egressURL string) error {
		if f.onCheck != nil {
			f.onCheck()
		}
		return f.probe
	})
	f.svc = NewService(f.store, f.store, prober, cfg, zap.NewNop())

	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }
	return f
}

func (f *fixture) addIdentity(t *testing.T, typ models.IdentityType, region string, health int) *models.EgressIdentity {
	t.Helper()
	identity := &models.EgressIdentity{
		ID:          uuid.New(),
		ProviderRef: "pool-" + string(typ),
		URLTemplate: "http://user:pw@gate.example:7000",
		Type:        typ,
		Region:      region,
		HealthScore: health,
		CostPerGB:   decimal.NewFromInt(4),
		Active:      true,
	}
	if err := f.store.SaveIdentity(context.Background(), identity); err != nil {
		t.Fatal(err)
	}
	return identity
}

func TestAssignPicksHealthiestAssignableIdentityInRegion(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, models.IdentityStatic, "br", 100)
	f.addIdentity(t, models.IdentityRotating, "us", 99)
	f.addIdentity(t, models.IdentityRotating, "br", 60)
	best := f.addIdentity(t, models.IdentityMobile, "br", 90)

	b, err := f.svc.Assign(context.Background(), f.chip, false)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if b.IdentityID != best.ID {
		t.Fatalf("picked %s, want %s", b.IdentityID, best.ID)
	}
	if len(b.Token) != tokenLength {
		t.Fatalf("token %q has length %d", b.Token, len(b.Token))
	}
	if !strings.Contains(b.URL, "user-session-"+b.Token+":pw@") {
		t.Fatalf("token not embedded in username: %s", b.URL)
	}
}

func TestAssignReusesActiveAssignment(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, models.IdentityRotating, "br", 80)
	ctx := context.Background()

	first, err := f.svc.Assign(ctx, f.chip, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Assign(ctx, f.chip, false)
	if err != nil {
		t.Fatal(err)
	}
	if first.AssignmentID != second.AssignmentID || first.URL != second.URL {
		t.Fatalf("assignment not reused: %+v vs %+v", first, second)
	}
}

func TestReleaseThenAssignRotatesToken(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, models.IdentityRotating, "br", 80)
	ctx := context.Background()

	first, err := f.svc.Assign(ctx, f.chip, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Release(ctx, f.chip.ID); err != nil {
		t.Fatal(err)
	}
	// The clock is frozen, so the derived token repeats and must be suffixed.
	second, err := f.svc.Assign(ctx, f.chip, false)
	if err != nil {
		t.Fatal(err)
	}
	if second.Token == first.Token {
		t.Fatalf("token %q reused after release", second.Token)
	}
	if !strings.HasPrefix(second.Token, first.Token) || len(second.Token) != tokenLength+suffixLength {
		t.Fatalf("unexpected rotated token %q", second.Token)
	}
}

func TestForceNewReleasesPreviousAssignment(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, models.IdentityRotating, "br", 80)
	ctx := context.Background()

	first, err := f.svc.Assign(ctx, f.chip, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Assign(ctx, f.chip, true)
	if err != nil {
		t.Fatal(err)
	}
	if second.AssignmentID == first.AssignmentID || second.Token == first.Token {
		t.Fatal("forceNew kept the previous assignment")
	}
	active, err := f.store.ListActiveAssignments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != second.AssignmentID {
		t.Fatalf("expected exactly the new assignment active, got %d", len(active))
	}
}

func TestAssignWithoutIdentitiesIsExhausted(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, models.IdentityStatic, "br", 100)

	_, err := f.svc.Assign(context.Background(), f.chip, false)
	if !apperrors.IsExhausted(err) {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestReleaseWithoutAssignmentIsNoop(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Release(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestHealthCheckScoring(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, models.IdentityRotating, "br", 98)
	ctx := context.Background()

	got, err := f.svc.HealthCheck(ctx, identity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HealthScore != 100 || !got.Active {
		t.Fatalf("after success: score %d active %v", got.HealthScore, got.Active)
	}

	f.probe = errors.New("connect timeout")
	for _, want := range []int{80, 60, 40} {
		got, err = f.svc.HealthCheck(ctx, identity.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.HealthScore != want || !got.Active {
			t.Fatalf("score %d active %v, want %d active", got.HealthScore, got.Active, want)
		}
	}
	got, err = f.svc.HealthCheck(ctx, identity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HealthScore != 20 || got.Active {
		t.Fatalf("identity below floor still active: score %d", got.HealthScore)
	}
}

func TestHealthCheckKeepsUsageRecordedDuringCheck(t *testing.T) {
	f := newFixture(t)
	identity := f.addIdentity(t, models.IdentityRotating, "br", 90)
	ctx := context.Background()

	f.onCheck = func() {
		if err := f.store.AddUsage(ctx, &models.IdentityUsageEntry{
			ID:         uuid.New(),
			TenantID:   "tenant-1",
			ChipID:     f.chip.ID,
			IdentityID: identity.ID,
			Bytes:      1000,
			Cost:       decimal.Zero,
			RecordedAt: time.Now(),
		}); err != nil {
			t.Error(err)
		}
	}
	got, err := f.svc.HealthCheck(ctx, identity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HealthScore != 95 {
		t.Fatalf("score = %d, want 95", got.HealthScore)
	}
	stored, err := f.store.GetIdentity(ctx, identity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.BytesUsed != 1000 || stored.HealthScore != 95 {
		t.Fatalf("stored bytes=%d score=%d, want 1000 and 95", stored.BytesUsed, stored.HealthScore)
	}
}

func TestDeactivatedIdentityIsRotatedOnAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	weak := f.addIdentity(t, models.IdentityRotating, "br", 90)

	first, err := f.svc.Assign(ctx, f.chip, false)
	if err != nil {
		t.Fatal(err)
	}
	weak.Active = false
	if err := f.store.SaveIdentity(ctx, weak); err != nil {
		t.Fatal(err)
	}
	replacement := f.addIdentity(t, models.IdentityMobile, "br", 70)

	second, err := f.svc.Assign(ctx, f.chip, false)
	if err != nil {
		t.Fatal(err)
	}
	if second.IdentityID != replacement.ID || second.AssignmentID == first.AssignmentID {
		t.Fatalf("deactivated identity kept: %+v", second)
	}
}

func TestUsageAndQuota(t *testing.T) {
	f := newFixture(t)
	f.addIdentity(t, models.IdentityRotating, "br", 80)
	ctx := context.Background()
	if _, err := f.svc.Assign(ctx, f.chip, false); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		wantBytes int64
		wantLevel QuotaLevel
	}{
		{100, QuotaOK},
		{800, QuotaWarn},
		{1000, QuotaBlocked},
	}
	recorded := int64(0)
	for _, step := range steps {
		for recorded < step.wantBytes {
			n, err := f.svc.RecordEstimatedUsage(ctx)
			if err != nil || n != 1 {
				t.Fatalf("RecordEstimatedUsage = %d, %v", n, err)
			}
			recorded += 100
		}
		status, err := f.svc.CheckQuota(ctx, "tenant-1")
		if err != nil {
			t.Fatal(err)
		}
		if status.Usage.BytesUsed != step.wantBytes || status.Level != step.wantLevel {
			t.Fatalf("usage %d level %s, want %d %s", status.Usage.BytesUsed, status.Level, step.wantBytes, step.wantLevel)
		}
	}

	usage, err := f.svc.MonthlyUsage(ctx, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if !usage.Cost.IsPositive() {
		t.Fatalf("cost not accumulated: %s", usage.Cost)
	}
}

func TestBuildURL(t *testing.T) {
	cases := []struct {
		template string
		want     string
	}{
		{"http://cust-{session}:pw@gate.example:7000", "http://cust-abc123:pw@gate.example:7000"},
		{"http://cust:pw@gate.example:7000", "http://cust-session-abc123:pw@gate.example:7000"},
		{"socks5://cust@gate.example:1080", "socks5://cust-session-abc123@gate.example:1080"},
	}
	for _, c := range cases {
		got, err := BuildURL(c.template, "abc123")
		if err != nil {
			t.Fatalf("BuildURL(%q): %v", c.template, err)
		}
		if got != c.want {
			t.Errorf("BuildURL(%q) = %q, want %q", c.template, got, c.want)
		}
	}
	if _, err := BuildURL("http://gate.example:7000", "abc123"); err == nil {
		t.Fatal("expected error for template without username")
	}
}

func TestHTTPProberUsesProxy(t *testing.T) {
	var sawTarget string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawTarget = r.URL.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	p := NewHTTPProber("http://probe.invalid/ip")
	if err := p.Probe(context.Background(), proxy.URL); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if sawTarget != "http://probe.invalid/ip" {
		t.Fatalf("proxy saw %q", sawTarget)
	}
}
