package catalog

import (
	"errors"
	"testing"

	"github.com/driftlab/conduit/internal/domain"
)

func TestRegistryResolvesKnownTypes(t *testing.T) {
	registry := NewRegistry()
	for _, serviceType := range []string{"backend", "jupyter", " Backend ", "JUPYTER"} {
		handler, err := registry.Handler(serviceType)
		if err != nil {
			t.Fatalf("handler %q: %v", serviceType, err)
		}
		if handler == nil {
			t.Fatalf("nil handler for %q", serviceType)
		}
	}
}

func TestRegistryUnknownType(t *testing.T) {
	_, err := NewRegistry().Handler("database")
	if !errors.Is(err, ErrUnknownServiceType) {
		t.Fatalf("expected ErrUnknownServiceType, got %v", err)
	}
}

func TestBackendDefaults(t *testing.T) {
	handler, err := NewRegistry().Handler("backend")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	cfg := handler.DefaultConfig()
	if cfg.Image != "node:20-slim" || cfg.Port != 3000 || cfg.CPUUnits != 1 {
		t.Fatalf("unexpected backend defaults %+v", cfg)
	}
}

func TestCustomConfigMergesOverrides(t *testing.T) {
	handler, err := NewRegistry().Handler("jupyter")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	cfg := handler.CustomConfig(domain.DeploymentConfig{
		CPUUnits:    4,
		MemorySize:  "4gb",
		Image:       "jupyter/scipy-notebook:latest",
		Env:         map[string]string{"JUPYTER_TOKEN": "s3cret"},
		RunCommands: "pip install pandas",
	})
	if cfg.CPUUnits != 4 {
		t.Fatalf("expected cpu override, got %d", cfg.CPUUnits)
	}
	if cfg.MemorySize != "4Gi" {
		t.Fatalf("expected memory canonicalized, got %q", cfg.MemorySize)
	}
	if cfg.StorageSize != "5Gi" {
		t.Fatalf("expected base storage kept, got %q", cfg.StorageSize)
	}
	if cfg.Image != "jupyter/scipy-notebook:latest" {
		t.Fatalf("expected image override, got %q", cfg.Image)
	}
	if cfg.Port != 8888 {
		t.Fatalf("expected base port kept, got %d", cfg.Port)
	}
	if cfg.Env["JUPYTER_TOKEN"] != "s3cret" || cfg.RunCommands != "pip install pandas" {
		t.Fatalf("expected env and run commands carried, got %+v", cfg)
	}
}

func TestCanonicalSize(t *testing.T) {
	cases := []struct {
		in, fallback, want string
	}{
		{"512", "1Gi", "512Mi"},
		{"2g", "1Gi", "2Gi"},
		{"2GB", "1Gi", "2Gi"},
		{"100ki", "1Gi", "100Ki"},
		{"1tb", "1Gi", "1Ti"},
		{"", "1Gi", "1Gi"},
		{"weird", "1Gi", "1Gi"},
		{"12xb", "1Gi", "1Gi"},
	}
	for _, tc := range cases {
		if got := CanonicalSize(tc.in, tc.fallback); got != tc.want {
			t.Errorf("CanonicalSize(%q, %q) = %q, want %q", tc.in, tc.fallback, got, tc.want)
		}
	}
}
