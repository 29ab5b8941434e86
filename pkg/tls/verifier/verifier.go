// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package verifier chains extra peer certificate checks onto a TLS handshake.
package verifier

import "crypto/x509"

// Verifier checks a peer certificate chain after standard verification.
type Verifier interface {
	VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// NewValidator returns a tls.Config VerifyPeerCertificate callback that
// fails on the first verifier error.
func NewValidator(verifiers []Verifier) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, v := range verifiers {
			if err := v.VerifyPeerCertificate(rawCerts, verifiedChains); err != nil {
				return err
			}
		}
		return nil
	}
}
