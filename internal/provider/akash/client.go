// Package akash implements the bid/lease/manifest/poll negotiation protocol
// against an Akash-style compute marketplace.
package akash

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/driftlab/conduit/internal/manifest"
	"github.com/driftlab/conduit/internal/provider"
	"github.com/driftlab/conduit/pkg/config"
)

const (
	defaultTxTimeout     = 30 * time.Second
	defaultBidInterval   = 5 * time.Second
	defaultBidTimeout    = 5 * time.Minute
	defaultReadyInterval = 3 * time.Second
	defaultReadyTimeout  = 10 * time.Minute

	depositDenom  = "uakt"
	depositAmount = "6000000"

	msgCreateDeployment = "deployment/create-deployment"
	msgCreateLease      = "market/create-lease"
	msgCloseDeployment  = "deployment/close-deployment"
	msgCreateCert       = "cert/create-certificate"
)

// Client negotiates deployments on an Akash-style marketplace. The signing
// session is created lazily on first use and reused for all subsequent
// calls on this instance.
type Client struct {
	rpcURL   string
	operator string
	certs    *certStore
	logger   *slog.Logger

	txTimeout     time.Duration
	bidInterval   time.Duration
	bidTimeout    time.Duration
	readyInterval time.Duration
	readyTimeout  time.Duration

	mu      sync.Mutex
	session *chainSession
}

var _ provider.Client = (*Client)(nil)

// New returns a Client configured from cfg.
func New(cfg config.APIConfig, logger *slog.Logger) *Client {
	c := &Client{
		rpcURL:        strings.TrimRight(cfg.AkashRPCEndpoint, "/"),
		operator:      cfg.AkashOperatorAddr,
		certs:         newCertStore(cfg.AkashCertDir),
		logger:        logger.With("component", "akash_provider"),
		txTimeout:     cfg.AkashTxTimeout,
		bidInterval:   cfg.AkashBidInterval,
		bidTimeout:    cfg.AkashBidTimeout,
		readyInterval: cfg.AkashReadyInterval,
		readyTimeout:  cfg.AkashReadyTimeout,
	}
	c.applyDefaults()
	return c
}

func (c *Client) applyDefaults() {
	if c.txTimeout <= 0 {
		c.txTimeout = defaultTxTimeout
	}
	if c.bidInterval <= 0 {
		c.bidInterval = defaultBidInterval
	}
	if c.bidTimeout <= 0 {
		c.bidTimeout = defaultBidTimeout
	}
	if c.readyInterval <= 0 {
		c.readyInterval = defaultReadyInterval
	}
	if c.readyTimeout <= 0 {
		c.readyTimeout = defaultReadyTimeout
	}
}

// ensureSession lazily initializes the signing session.
func (c *Client) ensureSession(ctx context.Context) (*chainSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	if c.rpcURL == "" {
		return nil, fmt.Errorf("akash rpc endpoint not configured")
	}
	if c.operator == "" {
		return nil, fmt.Errorf("akash operator address not configured")
	}
	session := &chainSession{
		rpcURL:   c.rpcURL,
		operator: c.operator,
		http:     &http.Client{Timeout: c.txTimeout},
	}
	checkCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()
	height, err := session.height(checkCtx)
	if err != nil {
		return nil, fmt.Errorf("initialize chain session: %w", err)
	}
	c.logger.Info("chain session initialized", "operator", c.operator, "height", height)
	c.session = session
	return session, nil
}

// Negotiate runs the full bid/lease/manifest/poll protocol and returns the
// lease identifier with the workload's reachable endpoint.
func (c *Client) Negotiate(ctx context.Context, manifestDoc string) (provider.Commitment, error) {
	session, err := c.ensureSession(ctx)
	if err != nil {
		return provider.Commitment{}, err
	}

	sdl, err := manifest.Parse(manifestDoc)
	if err != nil {
		return provider.Commitment{}, err
	}

	txCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	height, err := session.height(txCtx)
	cancel()
	if err != nil {
		return provider.Commitment{}, err
	}
	dseq := height

	deployment := map[string]any{
		"id":      map[string]any{"owner": c.operator, "dseq": dseq},
		"groups":  sdl.Groups(),
		"deposit": map[string]string{"denom": depositDenom, "amount": depositAmount},
	}
	if err := c.broadcastTx(ctx, session, msgCreateDeployment, deployment, "create deployment"); err != nil {
		return provider.Commitment{}, err
	}
	c.logger.Info("deployment transaction accepted", "dseq", dseq)

	acceptedBid, err := c.fetchBid(ctx, session, dseq)
	if err != nil {
		return provider.Commitment{}, err
	}
	c.logger.Info("bid accepted", "dseq", dseq, "provider", acceptedBid.ID.Provider, "price", acceptedBid.Price.Amount)

	if err := c.broadcastTx(ctx, session, msgCreateLease, map[string]any{"bid_id": acceptedBid.ID}, "create lease"); err != nil {
		return provider.Commitment{}, err
	}

	cert, err := c.certs.ensure(ctx, c.operator, func(ctx context.Context, certPEM string) error {
		return c.broadcastTx(ctx, session, msgCreateCert, map[string]string{
			"owner": c.operator,
			"cert":  certPEM,
		}, "create certificate")
	})
	if err != nil {
		return provider.Commitment{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	hostURI, err := session.providerHost(queryCtx, acceptedBid.ID.Provider)
	cancel()
	if err != nil {
		return provider.Commitment{}, err
	}

	hostClient := newHostClient(cert)
	if err := c.sendManifest(ctx, hostClient, hostURI, dseq, manifestDoc); err != nil {
		return provider.Commitment{}, err
	}

	appURL, err := c.waitForReady(ctx, hostClient, hostURI, acceptedBid.ID)
	if err != nil {
		return provider.Commitment{}, err
	}

	return provider.Commitment{
		LeaseID: strconv.FormatInt(dseq, 10),
		AppURL:  appURL,
	}, nil
}

// Teardown broadcasts a close-deployment transaction for the lease.
func (c *Client) Teardown(ctx context.Context, leaseID string) error {
	session, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	value := map[string]any{
		"id": map[string]string{"owner": c.operator, "dseq": leaseID},
	}
	if err := c.broadcastTx(ctx, session, msgCloseDeployment, value, "close deployment"); err != nil {
		return err
	}
	c.logger.Info("deployment closed", "dseq", leaseID)
	return nil
}

// broadcastTx submits one transaction with an explicit deadline and maps a
// non-zero result code to ErrTransactionRejected.
func (c *Client) broadcastTx(ctx context.Context, session *chainSession, msgType string, value any, memo string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	txCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()
	result, err := session.broadcast(txCtx, msgType, value, memo)
	if err != nil {
		return err
	}
	if result.Code != 0 {
		return fmt.Errorf("%s failed (code %d): %s: %w", memo, result.Code, result.RawLog, provider.ErrTransactionRejected)
	}
	return nil
}

// fetchBid polls for a matching bid and accepts the first one offered.
func (c *Client) fetchBid(ctx context.Context, session *chainSession, dseq int64) (bid, error) {
	deadline := time.Now().Add(c.bidTimeout)
	ticker := time.NewTicker(c.bidInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return bid{}, ctx.Err()
		case <-ticker.C:
		}
		c.logger.Info("fetching bids", "dseq", dseq)
		bids, err := session.bids(ctx, c.operator, dseq)
		if err != nil {
			return bid{}, err
		}
		if len(bids) > 0 {
			return bids[0], nil
		}
	}
	return bid{}, fmt.Errorf("no capacity offered for deployment %d: %w", dseq, provider.ErrTimeout)
}

func newHostClient(cert tls.Certificate) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				// Provider hosts present self-signed certificates tied to
				// their on-chain identity, not a public CA.
				InsecureSkipVerify: true,
			},
		},
	}
}

// sendManifest submits the manifest to the provider host over the
// certificate-authenticated channel.
func (c *Client) sendManifest(ctx context.Context, hostClient *http.Client, hostURI string, dseq int64, manifestDoc string) error {
	endpoint, err := url.JoinPath(hostURI, "deployment", strconv.FormatInt(dseq, 10), "manifest")
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, endpoint, strings.NewReader(manifestDoc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hostClient.Do(req)
	if err != nil {
		return fmt.Errorf("send manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send manifest: status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

type leaseStatus struct {
	Services map[string]struct {
		Name          string   `json:"name"`
		URIs          []string `json:"uris"`
		ReadyReplicas int      `json:"ready_replicas"`
	} `json:"services"`
	ForwardedPorts map[string][]forwardedPort `json:"forwarded_ports"`
}

type forwardedPort struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ExternalPort int    `json:"externalPort"`
	Proto        string `json:"proto"`
}

// waitForReady polls lease status until a reachable endpoint appears. A 404
// means the workload is not up yet and polling continues; any other error
// is fatal.
func (c *Client) waitForReady(ctx context.Context, hostClient *http.Client, hostURI string, id bidID) (string, error) {
	deadline := time.Now().Add(c.readyTimeout)
	ticker := time.NewTicker(c.readyInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		status, ready, err := c.queryLeaseStatus(ctx, hostClient, hostURI, id)
		if err != nil {
			return "", err
		}
		if ready {
			if uri := endpointFromStatus(status); uri != "" {
				return uri, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
	return "", fmt.Errorf("deployment %d never became ready: %w", id.DSeq, provider.ErrTimeout)
}

func (c *Client) queryLeaseStatus(ctx context.Context, hostClient *http.Client, hostURI string, id bidID) (*leaseStatus, bool, error) {
	endpoint, err := url.JoinPath(hostURI,
		"lease", strconv.FormatInt(id.DSeq, 10),
		strconv.FormatInt(int64(id.GSeq), 10),
		strconv.FormatInt(int64(id.OSeq), 10), "status")
	if err != nil {
		return nil, false, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hostClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("query lease status: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var status leaseStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, false, fmt.Errorf("decode lease status: %w", err)
		}
		return &status, true, nil
	case http.StatusNotFound:
		// Not provisioned yet; keep waiting.
		c.logger.Info("deployment not ready yet", "dseq", id.DSeq)
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("query lease status: unexpected status %s", resp.Status)
	}
}

// endpointFromStatus prefers a service-level URI and falls back to
// synthesizing a URL from the first forwarded port.
func endpointFromStatus(status *leaseStatus) string {
	for _, svc := range status.Services {
		if len(svc.URIs) > 0 {
			uri := svc.URIs[0]
			if !strings.Contains(uri, "://") {
				uri = "http://" + uri
			}
			return uri
		}
	}
	for _, ports := range status.ForwardedPorts {
		if len(ports) == 0 {
			continue
		}
		port := ports[0]
		proto := "https"
		if strings.EqualFold(port.Proto, "TCP") {
			proto = "http"
		}
		return fmt.Sprintf("%s://%s:%d", proto, port.Host, port.ExternalPort)
	}
	return ""
}
