// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, serial int64, ocspURL string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if ocspURL != "" {
		tmpl.OCSPServer = []string{ocspURL}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// responder answers every request with status for the requested serial.
func (ca *testCA) responder(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = time.Now().Add(-time.Minute)
		}
		resp, err := ocsp.CreateResponse(ca.cert, ca.cert, tmpl, ca.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{Depth: 1}.Enabled())
	assert.True(t, Config{ResponderURL: "http://ocsp.example"}.Enabled())
}

func TestVerifyPeerCertificate(t *testing.T) {
	ca := newTestCA(t)

	cases := []struct {
		desc   string
		status int
		cfg    func(url string) Config
		aia    bool
		err    error
	}{
		{
			desc:   "good with configured responder",
			status: ocsp.Good,
			cfg:    func(url string) Config { return Config{ResponderURL: url} },
		},
		{
			desc:   "good with responder from certificate",
			status: ocsp.Good,
			cfg:    func(string) Config { return Config{Depth: 1} },
			aia:    true,
		},
		{
			desc:   "revoked",
			status: ocsp.Revoked,
			cfg:    func(url string) Config { return Config{ResponderURL: url} },
			err:    errCertRevoked,
		},
		{
			desc:   "unknown",
			status: ocsp.Unknown,
			cfg:    func(url string) Config { return Config{ResponderURL: url} },
			err:    errOCSPUnknown,
		},
		{
			desc:   "no responder",
			status: ocsp.Good,
			cfg:    func(string) Config { return Config{Depth: 1} },
			err:    errNoOCSPURL,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			srv := ca.responder(t, tc.status)
			aia := ""
			if tc.aia {
				aia = srv.URL
			}
			leaf := ca.issue(t, 42, aia)

			v := New(tc.cfg(srv.URL))
			err := v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{leaf, ca.cert}})
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerifyRawCertificates(t *testing.T) {
	ca := newTestCA(t)
	srv := ca.responder(t, ocsp.Good)
	leaf := ca.issue(t, 7, "")
	v := New(Config{ResponderURL: srv.URL})

	cases := []struct {
		desc string
		raw  [][]byte
		err  error
	}{
		{desc: "leaf and issuer", raw: [][]byte{leaf.Raw, ca.cert.Raw}},
		{desc: "leaf without issuer", raw: [][]byte{leaf.Raw}, err: errIssuerCert},
		{desc: "garbage", raw: [][]byte{[]byte("not a certificate")}, err: errParseCert},
		{desc: "nothing", err: errClientCrt},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := v.VerifyPeerCertificate(tc.raw, nil)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResponderError(t *testing.T) {
	ca := newTestCA(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	leaf := ca.issue(t, 9, "")

	err := New(Config{ResponderURL: srv.URL}).VerifyPeerCertificate(nil, [][]*x509.Certificate{{leaf, ca.cert}})
	assert.ErrorIs(t, err, errOCSPStatus)
}
