// Copyright 2022 The emqx-go Authors
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

// Package tls turns file based certificate settings into crypto/tls
// configurations for the broker listener and the client dialer, and reports
// on the certificates it loads.
package tls

import (
	"context"
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

// VerifyMode selects how a server treats client certificates.
type VerifyMode string

const (
	// VerifyNone does not ask for a client certificate.
	VerifyNone VerifyMode = "none"
	// VerifyPeer verifies a client certificate when one is presented.
	VerifyPeer VerifyMode = "verify_peer"
	// VerifyPeerFailIfNoCert requires a valid client certificate.
	VerifyPeerFailIfNoCert VerifyMode = "verify_peer_fail_if_no_peer_cert"
)

// ErrNotEnabled is returned when a configuration is requested from a
// disabled Config.
var ErrNotEnabled = errors.New("tls is not enabled")

// Config holds PEM file locations and verification settings.
type Config struct {
	Enabled            bool       `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	CertFile           string     `yaml:"cert_file" json:"cert_file" mapstructure:"cert_file"`
	KeyFile            string     `yaml:"key_file" json:"key_file" mapstructure:"key_file"`
	CACertFile         string     `yaml:"ca_cert_file" json:"ca_cert_file" mapstructure:"ca_cert_file"`
	Verify             VerifyMode `yaml:"verify" json:"verify" mapstructure:"verify"`
	ServerName         string     `yaml:"server_name" json:"server_name" mapstructure:"server_name"`
	InsecureSkipVerify bool       `yaml:"insecure_skip_verify" json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// Validate checks that an enabled Config names the files it needs.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Verify {
	case "", VerifyNone, VerifyPeer, VerifyPeerFailIfNoCert:
	default:
		return fmt.Errorf("tls: unknown verify mode %q", c.Verify)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if c.Verify == VerifyPeerFailIfNoCert && c.CACertFile == "" {
		return errors.New("tls: ca_cert_file is required to verify client certificates")
	}
	return nil
}

// ServerConfig builds the configuration of a TLS listener.
func (c Config) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, ErrNotEnabled
	}
	if c.CertFile == "" {
		return nil, errors.New("tls: a server needs cert_file and key_file")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	switch c.Verify {
	case VerifyPeer:
		out.ClientAuth = tls.VerifyClientCertIfGiven
	case VerifyPeerFailIfNoCert:
		out.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		out.ClientAuth = tls.NoClientCert
	}
	if c.CACertFile != "" && out.ClientAuth != tls.NoClientCert {
		pool, err := loadPool(c.CACertFile)
		if err != nil {
			return nil, err
		}
		out.ClientCAs = pool
	}
	return out, nil
}

// ClientConfig builds the configuration used to dial a TLS listener. A
// key pair, when configured, is presented as the client certificate.
func (c Config) ClientConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, ErrNotEnabled
	}
	out := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}
	if c.CACertFile != "" {
		pool, err := loadPool(c.CACertFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load key pair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("tls: no certificate found in %s", path)
	}
	return pool, nil
}

// CertificateInfo describes a parsed certificate.
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	DNSNames     []string
	IPAddresses  []string
	Fingerprint  string
}

// ParseCertificate parses the first certificate of a PEM block.
func ParseCertificate(certPEM []byte) (*CertificateInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("tls: failed to parse certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tls: parse certificate: %w", err)
	}

	fingerprint := sha256.Sum256(cert.Raw)
	info := &CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		DNSNames:     cert.DNSNames,
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info, nil
}

// ExpiryCheck returns a health check that fails once the certificate in
// CertFile is not yet valid, has expired or expires within the given window.
// The file is read on every call so a rotated certificate is picked up.
func (c Config) ExpiryCheck(within time.Duration, now func() time.Time) func(context.Context) error {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) error {
		data, err := os.ReadFile(c.CertFile)
		if err != nil {
			return fmt.Errorf("tls: read certificate: %w", err)
		}
		info, err := ParseCertificate(data)
		if err != nil {
			return err
		}
		t := now()
		switch {
		case t.Before(info.NotBefore):
			return fmt.Errorf("tls: certificate %s is not valid before %s", info.Subject, info.NotBefore.Format(time.RFC3339))
		case t.After(info.NotAfter):
			return fmt.Errorf("tls: certificate %s expired at %s", info.Subject, info.NotAfter.Format(time.RFC3339))
		case info.NotAfter.Sub(t) <= within:
			return fmt.Errorf("tls: certificate %s expires at %s", info.Subject, info.NotAfter.Format(time.RFC3339))
		}
		return nil
	}
}
