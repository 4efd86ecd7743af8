// Package spheron implements the submit/poll negotiation protocol against a
// Spheron-style compute marketplace.
package spheron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/driftlab/conduit/internal/provider"
	"github.com/driftlab/conduit/pkg/config"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollAttempts = 12
	defaultReqTimeout   = 30 * time.Second
)

// Client negotiates deployments on a Spheron-style marketplace. The
// marketplace session is memoized on first use.
type Client struct {
	baseURL string
	token   string
	network string
	logger  *slog.Logger

	pollInterval time.Duration
	pollAttempts int
	reqTimeout   time.Duration

	once sync.Once
	http *http.Client
}

var _ provider.Client = (*Client)(nil)

// New returns a Client configured from cfg.
func New(cfg config.APIConfig, logger *slog.Logger) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.SpheronAPIURL, "/"),
		token:        cfg.SpheronAPIToken,
		network:      cfg.SpheronNetwork,
		logger:       logger.With("component", "spheron_provider"),
		pollInterval: cfg.SpheronPollInterval,
		pollAttempts: cfg.SpheronPollAttempts,
		reqTimeout:   cfg.SpheronReqTimeout,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.pollAttempts <= 0 {
		c.pollAttempts = defaultPollAttempts
	}
	if c.reqTimeout <= 0 {
		c.reqTimeout = defaultReqTimeout
	}
	return c
}

func (c *Client) client() *http.Client {
	c.once.Do(func() {
		c.http = &http.Client{Timeout: c.reqTimeout}
	})
	return c.http
}

type deploymentDetails struct {
	LeaseID        string                     `json:"lease_id"`
	Status         string                     `json:"status"`
	ForwardedPorts map[string][]forwardedPort `json:"forwarded_ports"`
}

type forwardedPort struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ExternalPort int    `json:"externalPort"`
	Proto        string `json:"proto"`
}

// Negotiate submits the manifest and polls until forwarded-port information
// appears. Exhausting the poll budget is tolerated: the marketplace may
// still be provisioning, so the commitment is returned without an endpoint.
func (c *Client) Negotiate(ctx context.Context, manifestDoc string) (provider.Commitment, error) {
	leaseID, err := c.submit(ctx, manifestDoc)
	if err != nil {
		return provider.Commitment{}, err
	}
	c.logger.Info("deployment submitted", "lease_id", leaseID)

	var details *deploymentDetails
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return provider.Commitment{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		c.logger.Info("checking deployment status", "lease_id", leaseID, "attempt", attempt, "max_attempts", c.pollAttempts)
		d, err := c.getDeployment(ctx, leaseID)
		if err != nil {
			// Not ready yet; keep polling.
			continue
		}
		if len(d.ForwardedPorts) > 0 {
			details = d
			break
		}
	}
	if details == nil {
		// Best-effort final fetch; absence of ports is not a failure.
		if d, err := c.getDeployment(ctx, leaseID); err == nil {
			details = d
		}
	}

	commitment := provider.Commitment{LeaseID: leaseID}
	if details != nil {
		commitment.AppURL = endpointFromPorts(details.ForwardedPorts)
	}
	if commitment.AppURL == "" {
		c.logger.Warn("no forwarded ports available yet", "lease_id", leaseID)
	}
	return commitment, nil
}

// Teardown closes the deployment on the marketplace.
func (c *Client) Teardown(ctx context.Context, leaseID string) error {
	endpoint := c.baseURL + "/deployments/" + url.PathEscape(leaseID) + "/close"
	reqCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("close deployment %s: %w", leaseID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("close deployment %s: status %s: %s", leaseID, resp.Status, strings.TrimSpace(string(body)))
	}
	c.logger.Info("deployment closed", "lease_id", leaseID)
	return nil
}

func (c *Client) submit(ctx context.Context, manifestDoc string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("spheron api url not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"manifest": manifestDoc,
		"network":  c.network,
	})
	if err != nil {
		return "", err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/deployments", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("submit deployment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("submit deployment: status %s: %s: %w",
			resp.Status, strings.TrimSpace(string(body)), provider.ErrTransactionRejected)
	}
	var out struct {
		LeaseID string `json:"lease_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("submit deployment: decode response: %w", err)
	}
	if out.LeaseID == "" {
		return "", fmt.Errorf("submit deployment: marketplace returned no lease id")
	}
	return out.LeaseID, nil
}

func (c *Client) getDeployment(ctx context.Context, leaseID string) (*deploymentDetails, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/deployments/"+url.PathEscape(leaseID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", leaseID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get deployment %s: unexpected status %s", leaseID, resp.Status)
	}
	var details deploymentDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("get deployment %s: decode response: %w", leaseID, err)
	}
	return &details, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// endpointFromPorts builds the reachable URL from the first forwarded port,
// rewriting the known double-prefixed hostname pattern some marketplace
// nodes report.
func endpointFromPorts(ports map[string][]forwardedPort) string {
	candidates := ports["app"]
	if len(candidates) == 0 {
		for _, p := range ports {
			if len(p) > 0 {
				candidates = p
				break
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	first := candidates[0]
	if first.Host == "" || first.ExternalPort == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", rewriteHost(first.Host), first.ExternalPort)
}

func rewriteHost(host string) string {
	if idx := strings.Index(host, "provider.provider."); idx >= 0 {
		return "provider." + host[idx+len("provider.provider."):]
	}
	return host
}
