// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/absmach/cmdrelay/config"
)

var (
	errLoadCerts = errors.New("failed to load client certificate")
	errLoadCA    = errors.New("failed to load CA")
	errAppendCA  = errors.New("failed to append root ca tls.Config")
)

// LoadTLSConfig builds the client TLS configuration. The client certificate
// is optional; without a CA file the system roots are used.
func LoadTLSConfig(c config.TransportConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
		ServerName: c.ServerName,
	}

	if c.CertFile != "" && c.KeyFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		cfg.Certificates = []tls.Certificate{certificate}
	}

	rootCA, err := loadCertFile(c.CAFile)
	if err != nil {
		return nil, errors.Join(errLoadCA, err)
	}
	if len(rootCA) > 0 {
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	return cfg, nil
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
