// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls builds the TLS settings of the MQTT listener from certificate
// files.
package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// VerifyMode defines how client certificates are checked.
type VerifyMode string

const (
	// VerifyNone does not request client certificates.
	VerifyNone VerifyMode = "none"
	// VerifyPeer verifies client certificates when presented.
	VerifyPeer VerifyMode = "verify_peer"
	// VerifyPeerFailIfNoCert requires a valid client certificate.
	VerifyPeerFailIfNoCert VerifyMode = "verify_peer_fail_if_no_peer_cert"
)

var (
	// ErrMissingCertificate is returned when the listener has no cert or key file.
	ErrMissingCertificate = errors.New("tls: certfile and keyfile are required")
	// ErrInvalidPEM is returned for files without a PEM certificate.
	ErrInvalidPEM = errors.New("tls: failed to parse certificate PEM")
)

// Config is the TLS listener configuration.
type Config struct {
	Enabled    bool       `yaml:"enabled" json:"enabled"`
	Port       string     `yaml:"port" json:"port"`
	CertFile   string     `yaml:"certfile" json:"certfile"`
	KeyFile    string     `yaml:"keyfile" json:"keyfile"`
	CACertFile string     `yaml:"cacertfile" json:"cacertfile"`
	Verify     VerifyMode `yaml:"verify" json:"verify"`
}

// Validate checks the configuration of an enabled listener.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port == "" {
		return errors.New("tls: port cannot be empty")
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return ErrMissingCertificate
	}
	switch c.Verify {
	case "", VerifyNone:
	case VerifyPeer, VerifyPeerFailIfNoCert:
		if c.CACertFile == "" {
			return fmt.Errorf("tls: verify mode %s needs a cacertfile", c.Verify)
		}
	default:
		return fmt.Errorf("tls: unknown verify mode %q", c.Verify)
	}
	return nil
}

// ServerConfig loads the certificates and returns the listener TLS config.
func (c Config) ServerConfig() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: failed to load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	switch c.Verify {
	case VerifyPeer:
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	case VerifyPeerFailIfNoCert:
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		tlsConfig.ClientAuth = tls.NoClientCert
	}
	if tlsConfig.ClientAuth != tls.NoClientCert {
		data, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("tls: failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.New("tls: failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
	}
	return tlsConfig, nil
}

// CertificateInfo contains parsed certificate information.
type CertificateInfo struct {
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	DNSNames    []string
	Fingerprint string
}

// ParseCertificate parses the first PEM certificate in data.
func ParseCertificate(data []byte) (*CertificateInfo, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tls: failed to parse certificate: %w", err)
	}
	fingerprint := sha256.Sum256(cert.Raw)
	return &CertificateInfo{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		DNSNames:    cert.DNSNames,
		Fingerprint: hex.EncodeToString(fingerprint[:]),
	}, nil
}

// ExpiryCheck returns a check failing when the server certificate expires
// within the given duration or cannot be read.
func (c Config) ExpiryCheck(within time.Duration) func() error {
	return func() error {
		data, err := os.ReadFile(c.CertFile)
		if err != nil {
			return err
		}
		info, err := ParseCertificate(data)
		if err != nil {
			return err
		}
		if remaining := time.Until(info.NotAfter); remaining <= within {
			return fmt.Errorf("certificate %s expires at %s", info.Subject, info.NotAfter.Format(time.RFC3339))
		}
		return nil
	}
}
