package transport

import (
	"context"
	"crypto/ecdh"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	"github.com/kenneth/secure-git-relay/internal/config"
	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"
)

// KeyProvider abstracts how the relay obtains the server-side X25519 private
// key used by the v2 envelope, following the teacher gateway's KeyManager
// pattern: callers never see key material beyond what ECDH itself requires.
type KeyProvider interface {
	// KeyID returns the key id ("kid") clients must reference in the v2 header.
	KeyID() string
	// PrivateKey returns the server's X25519 private key for an ECDH operation.
	PrivateKey() (*ecdh.PrivateKey, error)
	// PublicKeyDER returns the SPKI/DER encoding of the public half, mixed
	// into the v2 key derivation's HKDF info parameter.
	PublicKeyDER() []byte
	// HealthCheck verifies the key is currently available, surfaced by the
	// readiness endpoint.
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// NewKeyProvider builds the KeyProvider selected by cfg.TransportKeySource.
func NewKeyProvider(cfg *config.Config) (KeyProvider, error) {
	switch cfg.TransportKeySource {
	case config.KeySourceKMIP:
		return NewKMIPKeyProvider(cfg.KMIP)
	default:
		return NewFileKeyProvider(cfg.TransportKeyID, cfg.TransportKeyPEM)
	}
}

// FileKeyProvider decodes a PEM-encoded X25519 private key once at startup.
// A config reload does not re-decode it.
type FileKeyProvider struct {
	keyID   string
	mu      sync.RWMutex
	priv    *ecdh.PrivateKey
	pubDER  []byte
}

// NewFileKeyProvider parses a PKCS#8 PEM block holding an X25519 private key.
func NewFileKeyProvider(keyID, pemBlob string) (*FileKeyProvider, error) {
	p := &FileKeyProvider{keyID: keyID}
	if err := p.reload(pemBlob); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileKeyProvider) reload(pemBlob string) error {
	block, _ := pem.Decode([]byte(pemBlob))
	if block == nil {
		return fmt.Errorf("transport key: no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("transport key: parse PKCS8: %w", err)
	}
	ecdhKey, ok := key.(*ecdh.PrivateKey)
	if !ok {
		return fmt.Errorf("transport key: not an X25519 key")
	}
	p.mu.Lock()
	p.priv = ecdhKey
	p.pubDER = marshalX25519SPKI(ecdhKey.PublicKey().Bytes())
	p.mu.Unlock()
	return nil
}

// Reload re-parses the key from a new PEM blob. config.Watch does not call it.
func (p *FileKeyProvider) Reload(pemBlob string) error {
	return p.reload(pemBlob)
}

func (p *FileKeyProvider) KeyID() string {
	return p.keyID
}

func (p *FileKeyProvider) PrivateKey() (*ecdh.PrivateKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.priv == nil {
		return nil, fmt.Errorf("transport key not loaded")
	}
	return p.priv, nil
}

func (p *FileKeyProvider) PublicKeyDER() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pubDER
}

func (p *FileKeyProvider) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.priv == nil {
		return fmt.Errorf("transport key not loaded")
	}
	return nil
}

func (p *FileKeyProvider) Close(ctx context.Context) error {
	return nil
}

// KMIPKeyProvider fetches the transport private key from a KMIP-compliant
// KMS (Cosmian KMIP, per the gateway's KeyManager precedent) instead of
// holding it in a local PEM file. The key bytes never leave the KMIP
// session's TLS channel except into process memory, matching the relay's
// "never persist key material on the filesystem" KMIP mode.
type KMIPKeyProvider struct {
	client    *kmipclient.Client
	keyID     string
	uniqueID  string
	mu        sync.RWMutex
	priv      *ecdh.PrivateKey
	pubDER    []byte
}

// NewKMIPKeyProvider dials the configured KMIP server and fetches the
// X25519 private key identified by cfg.KeyUniqueID.
func NewKMIPKeyProvider(cfg config.KMIPConfig) (*KMIPKeyProvider, error) {
	tlsConf := &tls.Config{ServerName: cfg.TLSServerName}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("kmip: load client cert: %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}
	if cfg.CACert != "" {
		caPEM, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("kmip: read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("kmip: invalid CA cert")
		}
		tlsConf.RootCAs = pool
	}

	client, err := kmipclient.Dial(cfg.Endpoint, kmipclient.WithTLSConfig(tlsConf))
	if err != nil {
		return nil, fmt.Errorf("kmip: dial %s: %w", cfg.Endpoint, err)
	}

	p := &KMIPKeyProvider{client: client, keyID: cfg.KeyUniqueID, uniqueID: cfg.KeyUniqueID}
	if err := p.fetch(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

func (p *KMIPKeyProvider) fetch(ctx context.Context) error {
	resp, err := p.client.Get(ctx, payloads.GetRequestPayload{
		UniqueIdentifier: kmip.NewUniqueIdentifierValue(p.uniqueID),
	})
	if err != nil {
		return fmt.Errorf("kmip: get key %s: %w", p.uniqueID, err)
	}
	raw := resp.KeyBlock().KeyValue()
	ecdhKey, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return fmt.Errorf("kmip: key %s is not a valid X25519 key: %w", p.uniqueID, err)
	}
	p.mu.Lock()
	p.priv = ecdhKey
	p.pubDER = marshalX25519SPKI(ecdhKey.PublicKey().Bytes())
	p.mu.Unlock()
	return nil
}

func (p *KMIPKeyProvider) KeyID() string {
	return p.keyID
}

func (p *KMIPKeyProvider) PrivateKey() (*ecdh.PrivateKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.priv == nil {
		return nil, fmt.Errorf("kmip transport key not loaded")
	}
	return p.priv, nil
}

func (p *KMIPKeyProvider) PublicKeyDER() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pubDER
}

func (p *KMIPKeyProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Get(ctx, payloads.GetRequestPayload{
		UniqueIdentifier: kmip.NewUniqueIdentifierValue(p.uniqueID),
	})
	if err != nil {
		return fmt.Errorf("kmip health check failed: %w", err)
	}
	return nil
}

func (p *KMIPKeyProvider) Close(ctx context.Context) error {
	return p.client.Close()
}
