package manifest

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/driftlab/conduit/internal/domain"
)

//go:embed templates/akash.yaml
var akashTemplate string

//go:embed templates/spheron.yaml
var spheronTemplate string

// Defaults applied when the workload shape leaves a field empty.
const (
	DefaultImage    = "nginx:latest"
	DefaultPort     = 80
	DefaultCPUUnits = 1
	DefaultMemory   = "512Mi"
	DefaultStorage  = "1Gi"
	DefaultDuration = "1h"
	DefaultMode     = "fizz"

	akashPricingAmount = 1000
)

// Renderer substitutes a workload shape into a provider-specific template.
// The monitoring correlation id is injected into the workload environment so
// out-of-band telemetry reports can be matched back to the record.
type Renderer struct {
	// WebhookEndpoint, when set, is exported to the workload so its
	// monitoring agent knows where to report usage.
	WebhookEndpoint string
}

// Render produces the manifest document submitted to the given provider.
func (r Renderer) Render(cfg domain.DeploymentConfig, provider domain.ProviderType, monitoringID string) (string, error) {
	env := map[string]string{}
	for k, v := range cfg.Env {
		env[k] = v
	}
	if cfg.RepoURL != "" {
		env["REPO_URL"] = cfg.RepoURL
	}
	if cfg.BranchName != "" {
		env["BRANCH_NAME"] = cfg.BranchName
	}
	if r.WebhookEndpoint != "" {
		env["MONITORING_WEBHOOK_ENDPOINT"] = r.WebhookEndpoint
	}
	if cfg.RunCommands != "" {
		env["RUN_COMMANDS"] = cfg.RunCommands
	}
	env["DEPLOYMENT_ID"] = monitoringID

	var rendered string
	switch provider {
	case domain.ProviderAkash:
		rendered = substitute(akashTemplate, cfg, env)
		rendered = strings.Replace(rendered, "amount: APP_AMOUNT", fmt.Sprintf("amount: %d", akashPricingAmount), 1)
	case domain.ProviderSpheron:
		rendered = substitute(spheronTemplate, cfg, env)
		rendered = strings.Replace(rendered, "duration: DURATION", "duration: "+orDefault(cfg.Duration, DefaultDuration), 1)
		rendered = strings.Replace(rendered, "mode: MODE", "mode: "+orDefault(cfg.Mode, DefaultMode), 1)
		rendered = strings.Replace(rendered, "amount: APP_AMOUNT", fmt.Sprintf("amount: %d", akashPricingAmount), 1)
	default:
		return "", fmt.Errorf("no manifest template for provider %q", provider)
	}

	if err := Validate(rendered); err != nil {
		return "", fmt.Errorf("rendered manifest invalid: %w", err)
	}
	return rendered, nil
}

func substitute(template string, cfg domain.DeploymentConfig, env map[string]string) string {
	port := cfg.Port
	if port <= 0 {
		port = DefaultPort
	}
	cpu := cfg.CPUUnits
	if cpu <= 0 {
		cpu = DefaultCPUUnits
	}
	out := template
	out = strings.Replace(out, "image: USER_APP_IMAGE", "image: "+orDefault(cfg.Image, DefaultImage), 1)
	out = strings.Replace(out, "port: APP_PORT", fmt.Sprintf("port: %d", port), 1)
	out = strings.Replace(out, "as: APP_PORT_AS", fmt.Sprintf("as: %d", port), 1)
	out = strings.Replace(out, "units: APP_CPU", fmt.Sprintf("units: %d", cpu), 1)
	out = strings.Replace(out, "size: APP_MEMORY", "size: "+orDefault(cfg.MemorySize, DefaultMemory), 1)
	out = strings.Replace(out, "size: APP_STORAGE", "size: "+orDefault(cfg.StorageSize, DefaultStorage), 1)
	out = strings.Replace(out, "env: APP_ENV_VARS", envBlock(env), 1)
	return out
}

func envBlock(env map[string]string) string {
	if len(env) == 0 {
		return "env: []"
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("env:")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("\n      - %s=%s", k, env[k]))
	}
	return b.String()
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// SDL is the parsed structure of a manifest document, sufficient to derive
// the resource groups a create-deployment transaction carries.
type SDL struct {
	Version  string                `yaml:"version"`
	Services map[string]SDLService `yaml:"services"`
	Profiles SDLProfiles           `yaml:"profiles"`
}

type SDLService struct {
	Image  string      `yaml:"image"`
	Expose []SDLExpose `yaml:"expose"`
	Env    []string    `yaml:"env"`
}

type SDLExpose struct {
	Port int `yaml:"port"`
	As   int `yaml:"as"`
}

type SDLProfiles struct {
	Compute map[string]SDLCompute `yaml:"compute"`
}

type SDLCompute struct {
	Resources SDLResources `yaml:"resources"`
}

type SDLResources struct {
	CPU     struct{ Units int }   `yaml:"cpu"`
	Memory  struct{ Size string } `yaml:"memory"`
	Storage struct{ Size string } `yaml:"storage"`
}

// ResourceGroup is one schedulable unit of a manifest.
type ResourceGroup struct {
	Name     string `json:"name"`
	CPUUnits int    `json:"cpu_units"`
	Memory   string `json:"memory"`
	Storage  string `json:"storage"`
	Count    int    `json:"count"`
}

// Parse decodes a manifest document.
func Parse(doc string) (*SDL, error) {
	var sdl SDL
	if err := yaml.Unmarshal([]byte(doc), &sdl); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(sdl.Services) == 0 {
		return nil, fmt.Errorf("manifest declares no services")
	}
	return &sdl, nil
}

// Validate checks that doc is a structurally sound manifest.
func Validate(doc string) error {
	_, err := Parse(doc)
	return err
}

// Groups derives the resource groups carried by a create-deployment
// transaction.
func (s *SDL) Groups() []ResourceGroup {
	names := make([]string, 0, len(s.Profiles.Compute))
	for name := range s.Profiles.Compute {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]ResourceGroup, 0, len(names))
	for _, name := range names {
		compute := s.Profiles.Compute[name]
		groups = append(groups, ResourceGroup{
			Name:     name,
			CPUUnits: compute.Resources.CPU.Units,
			Memory:   compute.Resources.Memory.Size,
			Storage:  compute.Resources.Storage.Size,
			Count:    1,
		})
	}
	return groups
}
