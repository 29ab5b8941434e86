// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/mqttcore/pkg/tls/verifier/ocsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type certFiles struct {
	ca, cert, key string
}

// writeCerts writes a self-signed CA and a server certificate it issued.
func writeCerts(t *testing.T) certFiles {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	files := certFiles{
		ca:   filepath.Join(dir, "ca.pem"),
		cert: filepath.Join(dir, "server.pem"),
		key:  filepath.Join(dir, "server.key"),
	}
	write := func(path, typ string, b []byte) {
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: b}), 0o600))
	}
	write(files.ca, "CERTIFICATE", caDER)
	write(files.cert, "CERTIFICATE", der)
	write(files.key, "EC PRIVATE KEY", keyDER)
	return files
}

func TestLoad(t *testing.T) {
	files := writeCerts(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o600))

	cases := []struct {
		desc       string
		cfg        Config
		nilConfig  bool
		clientAuth tls.ClientAuthType
		verifier   bool
		err        bool
	}{
		{desc: "disabled", cfg: Config{}, nilConfig: true},
		{desc: "server certificate", cfg: Config{CertFile: files.cert, KeyFile: files.key}, clientAuth: tls.NoClientCert},
		{
			desc:       "mutual tls",
			cfg:        Config{CertFile: files.cert, KeyFile: files.key, ClientCAFile: files.ca},
			clientAuth: tls.RequireAndVerifyClientCert,
		},
		{
			desc:       "mutual tls with ocsp",
			cfg:        Config{CertFile: files.cert, KeyFile: files.key, ClientCAFile: files.ca, OCSP: ocsp.Config{Depth: 1}},
			clientAuth: tls.RequireAndVerifyClientCert,
			verifier:   true,
		},
		{desc: "missing key", cfg: Config{CertFile: files.cert}, err: true},
		{desc: "ocsp without client ca", cfg: Config{CertFile: files.cert, KeyFile: files.key, OCSP: ocsp.Config{Depth: 1}}, err: true},
		{desc: "unreadable certificate", cfg: Config{CertFile: garbage, KeyFile: files.key}, err: true},
		{desc: "missing client ca", cfg: Config{CertFile: files.cert, KeyFile: files.key, ClientCAFile: filepath.Join(t.TempDir(), "none.pem")}, err: true},
		{desc: "invalid client ca", cfg: Config{CertFile: files.cert, KeyFile: files.key, ClientCAFile: garbage}, err: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg, err := Load(tc.cfg)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.nilConfig {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			assert.Len(t, cfg.Certificates, 1)
			assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
			assert.Equal(t, tc.clientAuth, cfg.ClientAuth)
			assert.Equal(t, tc.verifier, cfg.VerifyPeerCertificate != nil)
		})
	}
}

func TestSecurityStatus(t *testing.T) {
	files := writeCerts(t)
	mtls, err := Load(Config{CertFile: files.cert, KeyFile: files.key, ClientCAFile: files.ca})
	require.NoError(t, err)

	cases := []struct {
		desc string
		cfg  *tls.Config
		want string
	}{
		{desc: "plain", cfg: nil, want: "no TLS"},
		{desc: "no certificates", cfg: &tls.Config{}, want: "no server certificates"},
		{desc: "mutual tls", cfg: mtls, want: "TLS and RequireAndVerifyClientCert"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, SecurityStatus(tc.cfg))
		})
	}
}

func TestClientCert(t *testing.T) {
	files := writeCerts(t)
	serverCfg, err := Load(Config{CertFile: files.cert, KeyFile: files.key, ClientCAFile: files.ca})
	require.NoError(t, err)

	pool := x509.NewCertPool()
	caPEM, err := os.ReadFile(files.ca)
	require.NoError(t, err)
	require.True(t, pool.AppendCertsFromPEM(caPEM))
	pair, err := tls.LoadX509KeyPair(files.cert, files.key)
	require.NoError(t, err)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	go func() {
		cc := tls.Client(c2, &tls.Config{RootCAs: pool, ServerName: "localhost", Certificates: []tls.Certificate{pair}})
		if cc.Handshake() == nil {
			_, _ = io.Copy(io.Discard, cc)
		}
	}()

	cert, err := ClientCert(tls.Server(c1, serverCfg))
	require.NoError(t, err)
	assert.Equal(t, "localhost", cert.Subject.CommonName)

	plain, err := ClientCert(c1)
	require.NoError(t, err)
	assert.Nil(t, plain.Raw)
}
