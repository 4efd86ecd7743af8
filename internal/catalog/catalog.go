// Package catalog is the static registry of deployable service types. The
// table is built once at startup; there is no runtime discovery.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/driftlab/conduit/internal/domain"
)

// ErrUnknownServiceType marks a lookup of a service type nobody registered.
var ErrUnknownServiceType = errors.New("unknown service type")

// Handler supplies deployment configuration for one service type.
type Handler interface {
	ServiceType() string
	// DefaultConfig returns the service's canonical shape.
	DefaultConfig() domain.DeploymentConfig
	// CustomConfig merges user overrides onto the canonical shape.
	CustomConfig(overrides domain.DeploymentConfig) domain.DeploymentConfig
}

// Registry maps service types to their handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds the registry over the built-in handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.register(backendHandler{})
	r.register(jupyterHandler{})
	return r
}

func (r *Registry) register(h Handler) {
	r.handlers[h.ServiceType()] = h
}

// Handler returns the handler for a service type.
func (r *Registry) Handler(serviceType string) (Handler, error) {
	h, ok := r.handlers[strings.ToLower(strings.TrimSpace(serviceType))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServiceType, serviceType)
	}
	return h, nil
}

// ServiceTypes lists the registered service types.
func (r *Registry) ServiceTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

type backendHandler struct{}

func (backendHandler) ServiceType() string { return "backend" }

func (backendHandler) DefaultConfig() domain.DeploymentConfig {
	return domain.DeploymentConfig{
		ServiceType: "backend",
		CPUUnits:    1,
		MemorySize:  "512Mi",
		StorageSize: "1Gi",
		Port:        3000,
		Duration:    "1h",
		Image:       "node:20-slim",
	}
}

func (h backendHandler) CustomConfig(overrides domain.DeploymentConfig) domain.DeploymentConfig {
	return merge(h.DefaultConfig(), overrides)
}

type jupyterHandler struct{}

func (jupyterHandler) ServiceType() string { return "jupyter" }

func (jupyterHandler) DefaultConfig() domain.DeploymentConfig {
	return domain.DeploymentConfig{
		ServiceType: "jupyter",
		CPUUnits:    2,
		MemorySize:  "2Gi",
		StorageSize: "5Gi",
		Port:        8888,
		Duration:    "1h",
		Image:       "jupyter/base-notebook:latest",
	}
}

func (h jupyterHandler) CustomConfig(overrides domain.DeploymentConfig) domain.DeploymentConfig {
	return merge(h.DefaultConfig(), overrides)
}

// merge overlays the non-zero fields of overrides onto base. Size strings
// are canonicalized to their binary unit suffix.
func merge(base, overrides domain.DeploymentConfig) domain.DeploymentConfig {
	out := base
	if overrides.CPUUnits > 0 {
		out.CPUUnits = overrides.CPUUnits
	}
	if overrides.MemorySize != "" {
		out.MemorySize = CanonicalSize(overrides.MemorySize, base.MemorySize)
	}
	if overrides.StorageSize != "" {
		out.StorageSize = CanonicalSize(overrides.StorageSize, base.StorageSize)
	}
	if overrides.Port > 0 {
		out.Port = overrides.Port
	}
	if overrides.Duration != "" {
		out.Duration = overrides.Duration
	}
	if overrides.Image != "" {
		out.Image = overrides.Image
	}
	if overrides.RepoURL != "" {
		out.RepoURL = overrides.RepoURL
	}
	if overrides.BranchName != "" {
		out.BranchName = overrides.BranchName
	}
	if len(overrides.Env) > 0 {
		out.Env = overrides.Env
	}
	if overrides.RunCommands != "" {
		out.RunCommands = overrides.RunCommands
	}
	if overrides.Mode != "" {
		out.Mode = overrides.Mode
	}
	if overrides.CustomName != "" {
		out.CustomName = overrides.CustomName
	}
	return out
}

// CanonicalSize normalizes a resource size string: bare numbers get the Mi
// suffix, recognized suffixes are normalized to their canonical casing, and
// anything unparseable falls back to the provided default.
func CanonicalSize(size, fallback string) string {
	s := strings.TrimSpace(size)
	if s == "" {
		return fallback
	}
	digits := strings.TrimRight(s, "KkMmGgTtIiBb")
	if digits == "" {
		return fallback
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fallback
		}
	}
	suffix := strings.ToLower(s[len(digits):])
	switch suffix {
	case "":
		return digits + "Mi"
	case "k", "ki", "kb":
		return digits + "Ki"
	case "m", "mi", "mb":
		return digits + "Mi"
	case "g", "gi", "gb":
		return digits + "Gi"
	case "t", "ti", "tb":
		return digits + "Ti"
	default:
		return fallback
	}
}
