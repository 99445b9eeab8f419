package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/curator/internal/observability"
	"github.com/pitabwire/curator/model"
)

func intPtr(v int) *int { return &v }

func loadDirectory(t *testing.T) *StaticDirectory {
	t.Helper()
	d, err := NewStaticDirectory("testdata/directory.yaml")
	if err != nil {
		t.Fatalf("NewStaticDirectory() error = %v", err)
	}
	return d
}

// --- StaticDirectory tests ---

func TestStaticDirectory_Lookup(t *testing.T) {
	d := loadDirectory(t)
	p, err := d.Lookup(context.Background(), "u-reg")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if p.Email != "registrar@museum.example" || p.ClearanceLevel != 2 || !p.Active {
		t.Errorf("Lookup() = %+v", p)
	}
	if !p.Capabilities.Has("procedures:loans_out:transition") {
		t.Error("registrar should match procedures:loans_out:* wildcard")
	}
	if p.Capabilities.Has("procedures:valuation:transition") {
		t.Error("registrar should not have valuation transitions")
	}

	if _, err := d.Lookup(context.Background(), "u-nobody"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Lookup(unknown) error = %v, want NOT_FOUND", err)
	}
}

func TestStaticDirectory_inactive_user(t *testing.T) {
	p, err := loadDirectory(t).Lookup(context.Background(), "u-gone")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if p.Active {
		t.Error("u-gone should be inactive")
	}
}

func TestStaticDirectory_UsersWithRole(t *testing.T) {
	users, err := loadDirectory(t).UsersWithRole(context.Background(), "registrar")
	if err != nil {
		t.Fatalf("UsersWithRole() error = %v", err)
	}
	if len(users) != 2 || users[0].ID != "u-cur" || users[1].ID != "u-reg" {
		ids := make([]string, len(users))
		for i, u := range users {
			ids[i] = u.ID
		}
		t.Errorf("UsersWithRole(registrar) = %v, want [u-cur u-reg]", ids)
	}
}

func TestStaticDirectory_Sync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir.yaml")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("users:\n  - id: u-1\n    roles: [curator]\n")
	d, err := NewStaticDirectory(path)
	if err != nil {
		t.Fatalf("NewStaticDirectory() error = %v", err)
	}

	write("users:\n  - id: u-1\n    roles: [curator]\n  - id: u-2\n    roles: [curator]\n")
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	users, _ := d.UsersWithRole(context.Background(), "curator")
	if len(users) != 2 {
		t.Errorf("after Sync UsersWithRole() = %d, want 2", len(users))
	}

	write("users:\n  - id: u-1\n  - id: u-1\n")
	if err := d.Sync(); err == nil {
		t.Error("Sync() with duplicate users should fail")
	}
}

func TestNewStaticDirectory_missing_file(t *testing.T) {
	if _, err := NewStaticDirectory("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("NewStaticDirectory() with missing file should return error")
	}
}

// --- Resolver tests ---

type countingDirectory struct {
	*StaticDirectory
	lookups int
}

func (c *countingDirectory) Lookup(ctx context.Context, id string) (*model.Principal, error) {
	c.lookups++
	return c.StaticDirectory.Lookup(ctx, id)
}

func TestResolver_Lookup_caches(t *testing.T) {
	dir := &countingDirectory{StaticDirectory: loadDirectory(t)}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	r := NewResolver(dir, dir, time.Minute, 0, metrics)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Lookup(ctx, "u-reg"); err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
	}
	if dir.lookups != 1 {
		t.Errorf("directory lookups = %d, want 1", dir.lookups)
	}
	if hits := testutil.ToFloat64(metrics.CapabilityCacheHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}

	r.Invalidate("u-reg")
	_, _ = r.Lookup(ctx, "u-reg")
	if dir.lookups != 2 {
		t.Errorf("directory lookups after Invalidate = %d, want 2", dir.lookups)
	}
}

func TestResolver_Lookup_expires(t *testing.T) {
	dir := &countingDirectory{StaticDirectory: loadDirectory(t)}
	r := NewResolver(dir, dir, time.Nanosecond, 0, nil)
	ctx := context.Background()

	_, _ = r.Lookup(ctx, "u-reg")
	time.Sleep(time.Millisecond)
	_, _ = r.Lookup(ctx, "u-reg")
	if dir.lookups != 2 {
		t.Errorf("directory lookups = %d, want 2 after expiry", dir.lookups)
	}
}

func TestResolver_Principal(t *testing.T) {
	dir := loadDirectory(t)
	r := NewResolver(dir, dir, time.Minute, 100, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		rctx      *model.RequestContext
		wantErr   string
		clearance int
		roles     int
		cap       string
	}{
		{
			name:      "directory fills clearance and roles",
			rctx:      &model.RequestContext{SubjectID: "u-cur", Roles: []string{"curator"}},
			clearance: 3, roles: 2, cap: "tasks:export",
		},
		{
			name:      "token clearance wins",
			rctx:      &model.RequestContext{SubjectID: "u-cur", ClearanceLevel: intPtr(1)},
			clearance: 1, roles: 2, cap: "procedures:valuation:transition",
		},
		{
			name:      "unknown user uses token only",
			rctx:      &model.RequestContext{SubjectID: "u-guest", Roles: []string{"volunteer"}},
			clearance: 0, roles: 1,
		},
		{name: "inactive user", rctx: &model.RequestContext{SubjectID: "u-gone"}, wantErr: model.ErrForbidden},
		{name: "no identity", rctx: &model.RequestContext{}, wantErr: model.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Principal(ctx, tt.rctx)
			if tt.wantErr != "" {
				if !model.IsCode(err, tt.wantErr) {
					t.Fatalf("Principal() error = %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Principal() error = %v", err)
			}
			if p.ClearanceLevel != tt.clearance {
				t.Errorf("ClearanceLevel = %d, want %d", p.ClearanceLevel, tt.clearance)
			}
			if len(p.Roles) != tt.roles {
				t.Errorf("Roles = %v, want %d roles", p.Roles, tt.roles)
			}
			if tt.cap != "" && !p.Capabilities.Has(tt.cap) {
				t.Errorf("missing capability %s in %v", tt.cap, p.Capabilities)
			}
		})
	}
}

// --- RoleAuthorizer tests ---

func TestRoleAuthorizer(t *testing.T) {
	a := NewRoleAuthorizer()
	registrar := &model.Principal{ID: "u-reg", Roles: []string{"registrar"}, ClearanceLevel: 2, Active: true}
	admin := &model.Principal{ID: "u-admin", Roles: []string{model.RoleAdministrator}, ClearanceLevel: 1, Active: true}
	inactive := &model.Principal{ID: "u-gone", Roles: []string{"registrar"}, ClearanceLevel: 5}

	tests := []struct {
		name      string
		p         *model.Principal
		role      string
		clearance *int
		want      bool
	}{
		{"no requirement", registrar, "", nil, true},
		{"role match", registrar, "registrar", nil, true},
		{"role mismatch", registrar, "curator", nil, false},
		{"clearance met", registrar, "", intPtr(2), true},
		{"clearance short", registrar, "registrar", intPtr(3), false},
		{"admin passes role", admin, "curator", nil, true},
		{"admin still needs clearance", admin, "curator", intPtr(3), false},
		{"inactive", inactive, "", nil, false},
		{"nil principal", nil, "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.IsAuthorized(context.Background(), tt.p, tt.role, tt.clearance)
			if err != nil {
				t.Fatalf("IsAuthorized() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsAuthorized() = %v, want %v", got, tt.want)
			}
		})
	}
}
