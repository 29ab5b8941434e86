// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds the listener TLS configuration from certificate files.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"

	"github.com/absmach/mqttcore/pkg/tls/verifier"
	"github.com/absmach/mqttcore/pkg/tls/verifier/ocsp"
)

var (
	errTLSdetails   = errors.New("failed to get TLS details of connection")
	errLoadCerts    = errors.New("failed to load certificates")
	errLoadClientCA = errors.New("failed to load Client CA")
	errAppendCA     = errors.New("failed to append client ca to tls.Config")
	errMissingPair  = errors.New("cert_file and key_file must be set together")
)

// Config holds the listener certificate settings. An empty CertFile
// disables TLS.
type Config struct {
	CertFile     string      `yaml:"cert_file"`
	KeyFile      string      `yaml:"key_file"`
	ClientCAFile string      `yaml:"ca_file"`
	OCSP         ocsp.Config `yaml:"ocsp"`
}

// Enabled reports whether a server certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Validate checks that certificate settings are complete.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errMissingPair
	}
	if c.ClientCAFile == "" && c.OCSP.Enabled() {
		return errors.New("ocsp requires ca_file")
	}
	return nil
}

// Load returns the server TLS configuration, or nil when TLS is disabled.
// A client CA turns on mutual TLS.
func Load(c Config) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
	}

	if c.ClientCAFile != "" {
		clientCA, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, errors.Join(errLoadClientCA, err)
		}
		config.ClientCAs = x509.NewCertPool()
		if !config.ClientCAs.AppendCertsFromPEM(clientCA) {
			return nil, errAppendCA
		}
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if verifiers := BuildVerifiers(c); len(verifiers) > 0 {
		config.VerifyPeerCertificate = verifier.NewValidator(verifiers)
	}
	return config, nil
}

// ClientCert returns the leaf certificate presented by the peer, completing
// the handshake if needed. Plain connections yield an empty certificate.
func ClientCert(conn net.Conn) (x509.Certificate, error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return x509.Certificate{}, nil
	}
	if err := tc.Handshake(); err != nil {
		return x509.Certificate{}, err
	}
	state := tc.ConnectionState()
	if state.Version == 0 {
		return x509.Certificate{}, errTLSdetails
	}
	if len(state.PeerCertificates) == 0 {
		return x509.Certificate{}, nil
	}
	return *state.PeerCertificates[0], nil
}

// SecurityStatus describes a TLS configuration for startup logs.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	if len(c.Certificates) == 0 {
		ret = "no server certificates"
	}
	if c.ClientCAs != nil {
		ret += " and " + c.ClientAuth.String()
	}
	return ret
}
