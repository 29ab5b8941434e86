// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ocsp rejects client certificates that an OCSP responder reports
// as revoked.
package ocsp

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/absmach/mqttcore/pkg/tls/verifier"
	"golang.org/x/crypto/ocsp"
)

const defaultTimeout = 5 * time.Second

var (
	errCreateOCSPReq     = errors.New("failed to create OCSP request")
	errOCSPReq           = errors.New("OCSP request failed")
	errOCSPStatus        = errors.New("OCSP responder returned an error status")
	errParseOCSPResp     = errors.New("failed to parse OCSP response")
	errIssuerCert        = errors.New("issuer certificate neither in chain nor in AIA")
	errNoOCSPURL         = errors.New("neither OCSP responder URL configured nor present in certificate AIA")
	errOCSPServerFailed  = errors.New("OCSP server failed")
	errOCSPUnknown       = errors.New("OCSP status unknown")
	errCertRevoked       = errors.New("certificate revoked")
	errRetrieveIssuerCrt = errors.New("failed to retrieve issuer certificate")
	errParseCert         = errors.New("failed to parse certificate")
	errClientCrt         = errors.New("client certificate not received")
)

// Config holds OCSP settings. Depth bounds how many chain certificates are
// checked starting at the leaf; 0 checks only the leaf.
type Config struct {
	Depth        uint          `yaml:"depth"`
	ResponderURL string        `yaml:"responder_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Enabled reports whether OCSP checks are configured.
func (c Config) Enabled() bool {
	return c.Depth > 0 || c.ResponderURL != ""
}

type ocspVerifier struct {
	cfg    Config
	client *http.Client
}

var _ verifier.Verifier = (*ocspVerifier)(nil)

// New returns an OCSP verifier.
func New(cfg Config) verifier.Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &ocspVerifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (v *ocspVerifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	switch {
	case len(verifiedChains) > 0:
		for _, chain := range verifiedChains {
			if err := v.verifyChain(chain); err != nil {
				return err
			}
		}
		return nil
	case len(rawCerts) > 0:
		chain, err := parseCertificates(rawCerts)
		if err != nil {
			return err
		}
		return v.verifyChain(chain)
	default:
		return errClientCrt
	}
}

// verifyChain checks each certificate against the next one up the chain,
// stopping before the self-signed root.
func (v *ocspVerifier) verifyChain(chain []*x509.Certificate) error {
	depth := max(int(v.cfg.Depth), 1)
	for i, cert := range chain {
		if i >= depth || isRootCA(cert) {
			return nil
		}
		issuer := findIssuer(cert, chain)
		if issuer == nil {
			var err error
			if issuer, err = v.fetchIssuer(cert); err != nil {
				return err
			}
		}
		if err := v.check(cert, issuer); err != nil {
			return err
		}
	}
	return nil
}

func (v *ocspVerifier) check(cert, issuer *x509.Certificate) error {
	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return errors.Join(errCreateOCSPReq, err)
	}

	url := v.cfg.ResponderURL
	if url == "" {
		if len(cert.OCSPServer) == 0 {
			return fmt.Errorf("%w: %s", errNoOCSPURL, describe(cert))
		}
		url = cert.OCSPServer[0]
	}

	body, err := v.post(url, req)
	if err != nil {
		return err
	}
	resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return errors.Join(errParseOCSPResp, err)
	}

	switch resp.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return fmt.Errorf("%w: %s at %v", errCertRevoked, describe(cert), resp.RevokedAt)
	case ocsp.ServerFailed:
		return errOCSPServerFailed
	default:
		return errOCSPUnknown
	}
}

func (v *ocspVerifier) post(url string, req []byte) ([]byte, error) {
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(req))
	if err != nil {
		return nil, errors.Join(errOCSPReq, err)
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, errors.Join(errOCSPReq, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", errOCSPStatus, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(errOCSPReq, err)
	}
	return body, nil
}

// fetchIssuer downloads the issuer named in the certificate's AIA. Both
// DER and PEM encodings are accepted.
func (v *ocspVerifier) fetchIssuer(cert *x509.Certificate) (*x509.Certificate, error) {
	if len(cert.IssuingCertificateURL) == 0 {
		return nil, fmt.Errorf("%w: %s", errIssuerCert, describe(cert))
	}
	resp, err := v.client.Get(cert.IssuingCertificateURL[0])
	if err != nil {
		return nil, errors.Join(errRetrieveIssuerCrt, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(errRetrieveIssuerCrt, err)
	}
	if block, _ := pem.Decode(body); block != nil {
		body = block.Bytes
	}
	issuer, err := x509.ParseCertificate(body)
	if err != nil {
		return nil, errors.Join(errRetrieveIssuerCrt, err)
	}
	return issuer, nil
}

func findIssuer(cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	for _, c := range chain {
		if c != cert && cert.CheckSignatureFrom(c) == nil {
			return c
		}
	}
	return nil
}

func isRootCA(cert *x509.Certificate) bool {
	if !cert.IsCA {
		return false
	}
	if len(cert.AuthorityKeyId) > 0 && len(cert.SubjectKeyId) > 0 {
		return bytes.Equal(cert.AuthorityKeyId, cert.SubjectKeyId)
	}
	return cert.Issuer.String() == cert.Subject.String()
}

func describe(cert *x509.Certificate) string {
	return fmt.Sprintf("common name %s serial %x", cert.Subject.CommonName, cert.SerialNumber)
}

func parseCertificates(rawCerts [][]byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, errors.Join(errParseCert, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
