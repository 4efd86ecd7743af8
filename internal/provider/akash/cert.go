package akash

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// certStore caches the operator's client certificate on disk so every
// negotiation under the same signing identity reuses it. First creation is
// guarded by the mutex, so two concurrent first-time negotiations cannot
// double-create and double-broadcast a certificate.
type certStore struct {
	dir string
	mu  sync.Mutex
}

type storedCertificate struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// broadcastFunc registers a newly created certificate with the network.
type broadcastFunc func(ctx context.Context, certPEM string) error

func newCertStore(dir string) *certStore {
	return &certStore{dir: dir}
}

// ensure returns the cached certificate for address, creating, broadcasting
// and persisting one on first use.
func (s *certStore) ensure(ctx context.Context, address string, broadcast broadcastFunc) (tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, address+".json")
	if data, err := os.ReadFile(path); err == nil {
		var stored storedCertificate
		if err := json.Unmarshal(data, &stored); err != nil {
			return tls.Certificate{}, fmt.Errorf("decode cached certificate: %w", err)
		}
		return tls.X509KeyPair([]byte(stored.Cert), []byte(stored.Key))
	} else if !os.IsNotExist(err) {
		return tls.Certificate{}, fmt.Errorf("read cached certificate: %w", err)
	}

	certPEM, keyPEM, err := generateCertificate(address)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := broadcast(ctx, certPEM); err != nil {
		return tls.Certificate{}, fmt.Errorf("register certificate: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return tls.Certificate{}, err
	}
	data, err := json.Marshal(storedCertificate{Cert: certPEM, Key: keyPEM})
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("persist certificate: %w", err)
	}
	return tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
}

// generateCertificate produces a self-signed client certificate bound to the
// operator address, the form provider hosts accept for mTLS.
func generateCertificate(address string) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: address},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return "", "", err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", err
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM, nil
}
