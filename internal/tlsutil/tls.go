// Package tlsutil builds the admin listener's TLS configuration.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

type Config struct {
	CertFile string
	KeyFile  string
	// ClientCAFile enables client certificate verification.
	ClientCAFile string
	// RequireClientCert rejects handshakes without a verified client cert.
	RequireClientCert bool
}

// Enabled reports whether a server certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

func ServerConfig(c Config) (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New("tls: cert and key files are both required")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.NoClientCert,
	}
	if c.ClientCAFile == "" {
		if c.RequireClientCert {
			return nil, errors.New("tls: client certs required but no client CA file given")
		}
		return out, nil
	}
	pem, err := os.ReadFile(c.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tls: no certificates in %s", c.ClientCAFile)
	}
	out.ClientCAs = pool
	out.ClientAuth = tls.VerifyClientCertIfGiven
	if c.RequireClientCert {
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}
