// Package tlsconfig builds the TLS configuration for serving the HTTP API.
// TLS is optional: the server typically sits on localhost behind the config
// UI, but a deployment on a shared host should turn it on.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
)

// SetupServerTLS loads the server certificate and key and returns a config
// pinned to TLS 1.3.
func SetupServerTLS(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}, nil
}
