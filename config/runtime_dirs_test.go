package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/frobware/go-tracetap/config"
)

func TestNewRuntimeDirs(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		wantDB   string
		wantLock string
	}{
		{
			name:     "production default",
			base:     "/run/tracetap",
			wantDB:   "/run/tracetap/db",
			wantLock: "/run/tracetap/.lock",
		},
		{
			name:     "temp dir for unit tests",
			base:     "/tmp/tracetap-test-12345",
			wantDB:   "/tmp/tracetap-test-12345/db",
			wantLock: "/tmp/tracetap-test-12345/.lock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := config.NewRuntimeDirs(tt.base)
			if err != nil {
				t.Fatalf("NewRuntimeDirs(%q) returned error: %v", tt.base, err)
			}
			if got.Base() != tt.base {
				t.Errorf("Base() = %q, want %q", got.Base(), tt.base)
			}
			if got.DB() != tt.wantDB {
				t.Errorf("DB() = %q, want %q", got.DB(), tt.wantDB)
			}
			if got.Lock() != tt.wantLock {
				t.Errorf("Lock() = %q, want %q", got.Lock(), tt.wantLock)
			}
		})
	}
}

func TestNewRuntimeDirs_RejectsInvalidBase(t *testing.T) {
	if _, err := config.NewRuntimeDirs(""); err == nil {
		t.Error("NewRuntimeDirs(\"\") should fail")
	}
	if _, err := config.NewRuntimeDirs("relative/path"); err == nil {
		t.Error("NewRuntimeDirs with relative path should fail")
	} else if !strings.Contains(err.Error(), "absolute") {
		t.Errorf("error should mention absolute paths, got: %v", err)
	}
}

func TestRuntimeDirs_DBPath(t *testing.T) {
	d, err := config.NewRuntimeDirs("/run/tracetap")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.DBPath(), "/run/tracetap/db/trace.db"; got != want {
		t.Errorf("DBPath() = %q, want %q", got, want)
	}
}

func TestDefaultRuntimeDirs(t *testing.T) {
	d := config.DefaultRuntimeDirs()
	if d.Base() != "/run/tracetap" {
		t.Errorf("DefaultRuntimeDirs().Base() = %q, want /run/tracetap", d.Base())
	}
}

func TestEnsureDirectories_CreatesDirs(t *testing.T) {
	base := t.TempDir() + "/run"
	d, err := config.NewRuntimeDirs(base)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories() returned error: %v", err)
	}

	for _, dir := range []string{d.Base(), d.DB()} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("directory %s was not created", dir)
		}
	}
}
