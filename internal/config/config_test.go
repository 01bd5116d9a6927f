package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	for _, k := range []string{"STORE_BACKEND", "SCAN_COOLDOWN_MS", "QR_PREFIX", "REPORT_TZ", "DASHBOARD_WINDOW", "BACKEND_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg := FromEnv()
	if cfg.StoreBackend != "sqlite" {
		t.Fatalf("store backend = %q", cfg.StoreBackend)
	}
	if cfg.ScanCooldown != 3*time.Second {
		t.Fatalf("cooldown = %v", cfg.ScanCooldown)
	}
	if cfg.QRPrefix != "IBACMI_LAB" || cfg.DashboardWindow != 50 || cfg.BackendTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("location = %v", cfg.Location())
	}
}

func TestOverridesAndFallbacks(t *testing.T) {
	t.Setenv("SCAN_COOLDOWN_MS", "1500")
	t.Setenv("QR_STRICT_MEMBER_ID", "true")
	t.Setenv("BACKEND_TIMEOUT", "not-a-duration")
	t.Setenv("DASHBOARD_WINDOW", "many")
	t.Setenv("REPORT_TZ", "Not/AZone")
	t.Setenv("APP_ENV", "prod")

	cfg := FromEnv()
	if cfg.ScanCooldown != 1500*time.Millisecond {
		t.Fatalf("cooldown = %v", cfg.ScanCooldown)
	}
	if !cfg.QRStrictMemberID {
		t.Fatal("strict flag not read")
	}
	if cfg.BackendTimeout != 5*time.Second {
		t.Fatalf("invalid duration should fall back, got %v", cfg.BackendTimeout)
	}
	if cfg.DashboardWindow != 50 {
		t.Fatalf("invalid int should fall back, got %d", cfg.DashboardWindow)
	}
	if cfg.Location() != time.UTC {
		t.Fatal("invalid zone should fall back to UTC")
	}
	if !cfg.Production() {
		t.Fatal("prod env not detected")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		badges  string
		queue   string
		wantErr bool
	}{
		{"no badges", "none", "memory", false},
		{"badges over redis", "s3", "redis", false},
		{"badges over memory queue", "cloudinary", "memory", true},
		{"badges without queue", "s3", "", true},
		{"unknown badge store", "ftp", "redis", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := App{BadgeStore: tt.badges, QueueBackend: tt.queue}.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
