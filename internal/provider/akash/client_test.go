package akash

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftlab/conduit/internal/provider"
	"github.com/driftlab/conduit/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testManifest = `version: "2.0"
services:
  app:
    image: nginx:latest
    expose:
      - port: 80
        as: 80
profiles:
  compute:
    app:
      resources:
        cpu:
          units: 1
        memory:
          size: 512Mi
        storage:
          size: 1Gi
`

// fakeChain serves the chain RPC surface the client negotiates against.
type fakeChain struct {
	mu           sync.Mutex
	txTypes      []string
	txValues     []json.RawMessage
	bidPolls     int
	bidsAfter    int
	txCode       int
	providerHost string
}

func (f *fakeChain) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int64{"height": 4242})
	})
	mux.HandleFunc("/txs", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.txTypes = append(f.txTypes, payload.Type)
		f.txValues = append(f.txValues, payload.Value)
		code := f.txCode
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"code": code, "tx_hash": "abc", "raw_log": "rejected by test"})
	})
	mux.HandleFunc("/market/bids", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.bidPolls++
		ready := f.bidsAfter > 0 && f.bidPolls >= f.bidsAfter
		f.mu.Unlock()
		if !ready {
			json.NewEncoder(w).Encode(map[string]any{"bids": []any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"bids": []map[string]any{{
			"id": map[string]any{
				"owner":    "akash1op",
				"dseq":     4242,
				"gseq":     1,
				"oseq":     1,
				"provider": "akash1prov",
			},
			"price": map[string]string{"denom": "uakt", "amount": "37"},
		}}})
	})
	mux.HandleFunc("/providers/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"host_uri": f.providerHost})
	})
	return mux
}

// fakeHost serves the provider host surface: manifest upload and lease status.
type fakeHost struct {
	mu          sync.Mutex
	manifestPut string
	statusPolls int
	readyAfter  int
	statusBody  map[string]any
}

func (f *fakeHost) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/deployment/4242/manifest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.manifestPut = string(body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/lease/4242/1/1/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.statusPolls++
		ready := f.statusPolls >= f.readyAfter
		body := f.statusBody
		f.mu.Unlock()
		if !ready {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(body)
	})
	return mux
}

func testConfig(rpcURL, certDir string) config.APIConfig {
	return config.APIConfig{
		AkashRPCEndpoint:   rpcURL,
		AkashOperatorAddr:  "akash1op",
		AkashCertDir:       certDir,
		AkashTxTimeout:     2 * time.Second,
		AkashBidInterval:   5 * time.Millisecond,
		AkashBidTimeout:    time.Second,
		AkashReadyInterval: 5 * time.Millisecond,
		AkashReadyTimeout:  time.Second,
	}
}

func TestNegotiateFullProtocol(t *testing.T) {
	host := &fakeHost{
		readyAfter: 3,
		statusBody: map[string]any{
			"services": map[string]any{
				"app": map[string]any{"name": "app", "uris": []string{"app.example.com"}, "ready_replicas": 1},
			},
		},
	}
	hostSrv := httptest.NewServer(host.handler())
	defer hostSrv.Close()

	chain := &fakeChain{bidsAfter: 3, providerHost: hostSrv.URL}
	chainSrv := httptest.NewServer(chain.handler())
	defer chainSrv.Close()

	client := New(testConfig(chainSrv.URL, t.TempDir()), testLogger())
	commitment, err := client.Negotiate(context.Background(), testManifest)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if commitment.LeaseID != "4242" {
		t.Fatalf("expected lease id from chain height, got %q", commitment.LeaseID)
	}
	if commitment.AppURL != "http://app.example.com" {
		t.Fatalf("unexpected app url %q", commitment.AppURL)
	}

	chain.mu.Lock()
	txTypes := append([]string(nil), chain.txTypes...)
	bidPolls := chain.bidPolls
	chain.mu.Unlock()
	want := []string{msgCreateDeployment, msgCreateLease, msgCreateCert}
	if len(txTypes) != len(want) {
		t.Fatalf("expected %d transactions, got %v", len(want), txTypes)
	}
	for i, msgType := range want {
		if txTypes[i] != msgType {
			t.Fatalf("transaction %d: expected %s, got %s", i, msgType, txTypes[i])
		}
	}
	if bidPolls != 3 {
		t.Fatalf("expected the first bid accepted on the third poll, got %d polls", bidPolls)
	}

	host.mu.Lock()
	manifestPut := host.manifestPut
	statusPolls := host.statusPolls
	host.mu.Unlock()
	if manifestPut != testManifest {
		t.Fatal("expected the manifest delivered verbatim to the provider host")
	}
	if statusPolls < 3 {
		t.Fatalf("expected status polled through the 404s, got %d polls", statusPolls)
	}
}

func TestNegotiateReusesCachedCertificate(t *testing.T) {
	host := &fakeHost{
		readyAfter: 1,
		statusBody: map[string]any{
			"services": map[string]any{
				"app": map[string]any{"uris": []string{"app.example.com"}},
			},
		},
	}
	hostSrv := httptest.NewServer(host.handler())
	defer hostSrv.Close()

	chain := &fakeChain{bidsAfter: 1, providerHost: hostSrv.URL}
	chainSrv := httptest.NewServer(chain.handler())
	defer chainSrv.Close()

	client := New(testConfig(chainSrv.URL, t.TempDir()), testLogger())
	for i := 0; i < 2; i++ {
		if _, err := client.Negotiate(context.Background(), testManifest); err != nil {
			t.Fatalf("negotiate %d: %v", i, err)
		}
	}

	chain.mu.Lock()
	certBroadcasts := 0
	for _, msgType := range chain.txTypes {
		if msgType == msgCreateCert {
			certBroadcasts++
		}
	}
	chain.mu.Unlock()
	if certBroadcasts != 1 {
		t.Fatalf("expected the certificate broadcast once, got %d", certBroadcasts)
	}
}

func TestNegotiateForwardedPortFallback(t *testing.T) {
	host := &fakeHost{
		readyAfter: 1,
		statusBody: map[string]any{
			"services": map[string]any{"app": map[string]any{"uris": []string{}}},
			"forwarded_ports": map[string]any{
				"app": []map[string]any{{"host": "p.example.com", "port": 80, "externalPort": 32001, "proto": "TCP"}},
			},
		},
	}
	hostSrv := httptest.NewServer(host.handler())
	defer hostSrv.Close()

	chain := &fakeChain{bidsAfter: 1, providerHost: hostSrv.URL}
	chainSrv := httptest.NewServer(chain.handler())
	defer chainSrv.Close()

	client := New(testConfig(chainSrv.URL, t.TempDir()), testLogger())
	commitment, err := client.Negotiate(context.Background(), testManifest)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if commitment.AppURL != "http://p.example.com:32001" {
		t.Fatalf("unexpected app url %q", commitment.AppURL)
	}
}

func TestNegotiateRejectedTransaction(t *testing.T) {
	chain := &fakeChain{txCode: 5}
	chainSrv := httptest.NewServer(chain.handler())
	defer chainSrv.Close()

	client := New(testConfig(chainSrv.URL, t.TempDir()), testLogger())
	_, err := client.Negotiate(context.Background(), testManifest)
	if !errors.Is(err, provider.ErrTransactionRejected) {
		t.Fatalf("expected ErrTransactionRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "code 5") {
		t.Fatalf("expected the chain code surfaced, got %v", err)
	}
}

func TestNegotiateNoBids(t *testing.T) {
	chain := &fakeChain{}
	chainSrv := httptest.NewServer(chain.handler())
	defer chainSrv.Close()

	cfg := testConfig(chainSrv.URL, t.TempDir())
	cfg.AkashBidTimeout = 30 * time.Millisecond
	client := New(cfg, testLogger())
	_, err := client.Negotiate(context.Background(), testManifest)
	if !errors.Is(err, provider.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestNegotiateRejectsEmptyManifest(t *testing.T) {
	chain := &fakeChain{}
	chainSrv := httptest.NewServer(chain.handler())
	defer chainSrv.Close()

	client := New(testConfig(chainSrv.URL, t.TempDir()), testLogger())
	if _, err := client.Negotiate(context.Background(), "version: \"2.0\"\n"); err == nil {
		t.Fatal("expected an error for a manifest with no services")
	}
}

func TestTeardownBroadcastsClose(t *testing.T) {
	chain := &fakeChain{}
	chainSrv := httptest.NewServer(chain.handler())
	defer chainSrv.Close()

	client := New(testConfig(chainSrv.URL, t.TempDir()), testLogger())
	if err := client.Teardown(context.Background(), "4242"); err != nil {
		t.Fatalf("teardown: %v", err)
	}

	chain.mu.Lock()
	defer chain.mu.Unlock()
	if len(chain.txTypes) != 1 || chain.txTypes[0] != msgCloseDeployment {
		t.Fatalf("expected a single close-deployment transaction, got %v", chain.txTypes)
	}
	var value struct {
		ID struct {
			DSeq string `json:"dseq"`
		} `json:"id"`
	}
	if err := json.Unmarshal(chain.txValues[0], &value); err != nil {
		t.Fatalf("decode close value: %v", err)
	}
	if value.ID.DSeq != "4242" {
		t.Fatalf("expected dseq 4242, got %q", value.ID.DSeq)
	}
}

func TestEndpointFromStatusPrefersURIs(t *testing.T) {
	status := &leaseStatus{
		Services: map[string]struct {
			Name          string   `json:"name"`
			URIs          []string `json:"uris"`
			ReadyReplicas int      `json:"ready_replicas"`
		}{
			"app": {URIs: []string{"https://app.example.com"}},
		},
		ForwardedPorts: map[string][]forwardedPort{
			"app": {{Host: "p.example.com", ExternalPort: 32001, Proto: "TCP"}},
		},
	}
	if got := endpointFromStatus(status); got != "https://app.example.com" {
		t.Fatalf("expected service uri preferred, got %q", got)
	}
}
