package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultPolicy(t *testing.T) {
	a, err := New("", zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tests := []struct {
		role       string
		permission string
		want       bool
	}{
		{"admin", DeviceManagement, true},
		{"manager", DeviceManagement, true},
		{"cashier", DeviceManagement, false},
		{"cashier", SessionManagement, true},
		{"cashier", OrderManagement, true},
		{"cashier", SessionView, true},
		{"device", SessionView, false},
		{"device", Authenticated, true},
		{"stranger", Authenticated, false},
		{"", SessionView, false},
		{"admin", "reports", false},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.permission, func(t *testing.T) {
			got, err := a.Allow(context.Background(), Input{Role: tt.role, Permission: tt.permission})
			if err != nil {
				t.Fatalf("allow: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Allow(%s, %s) = %v, want %v", tt.role, tt.permission, got, tt.want)
			}
		})
	}
}

func TestPolicyFileOverrideAndReload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "authz.rego")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
			t.Fatalf("write policy: %v", err)
		}
	}

	write("package tvbill.authz\n\nallow if input.role == \"owner\"\n")
	a, err := New(file, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if ok, _ := a.Allow(ctx, Input{Role: "owner", Permission: DeviceManagement}); !ok {
		t.Fatal("expected owner to be allowed by override")
	}
	if ok, _ := a.Allow(ctx, Input{Role: "admin", Permission: DeviceManagement}); ok {
		t.Fatal("expected admin to be denied by override")
	}

	write("package tvbill.authz\n\nallow if input.role == \"admin\"\n")
	if err := a.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ok, _ := a.Allow(ctx, Input{Role: "admin", Permission: DeviceManagement}); !ok {
		t.Fatal("expected admin to be allowed after reload")
	}

	write("package tvbill.authz\n\nallow if {")
	if err := a.Reload(ctx); err == nil {
		t.Fatal("expected broken policy to fail")
	}
	if ok, _ := a.Allow(ctx, Input{Role: "admin", Permission: DeviceManagement}); !ok {
		t.Fatal("expected previous policy to stay in force after a failed reload")
	}
}

func TestReloadThreadSafety(t *testing.T) {
	a, err := New("", zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if ok, err := a.Allow(ctx, Input{Role: "admin", Permission: SessionView}); err != nil || !ok {
					t.Errorf("allow: %v %v", ok, err)
					return
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		if err := a.Reload(ctx); err != nil {
			t.Fatalf("reload: %v", err)
		}
	}
	wg.Wait()
}

func TestNewMissingFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing.rego"), zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}
