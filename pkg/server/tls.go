package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"

	"go.wiregrpc.io/server/config"
)

// TLSProvider wraps accepted sockets with TLS. The certificate is held
// behind an atomic pointer so Reload affects new handshakes only; existing
// connections keep the material they negotiated with.
type TLSProvider struct {
	cfg  config.TLS
	cert atomic.Pointer[tls.Certificate]
	pool *x509.CertPool
}

// NewTLSProvider loads the certificate chain and optional client CA.
func NewTLSProvider(cfg config.TLS) (*TLSProvider, error) {
	p := &TLSProvider{cfg: cfg}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in client CA file %q", cfg.ClientCAFile)
		}
		p.pool = pool
	}
	return p, nil
}

// Reload re-reads the certificate chain from disk.
func (p *TLSProvider) Reload() error {
	cert, err := tls.LoadX509KeyPair(p.cfg.CertFile, p.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	p.cert.Store(&cert)
	return nil
}

// ServerConfig builds the tls.Config used for every accepted socket.
func (p *TLSProvider) ServerConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return p.cert.Load(), nil
		},
	}
	if p.pool != nil {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = p.pool
	}
	return cfg
}
