package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestCert creates a self-signed certificate and returns the cert and
// key paths
func writeTestCert(t *testing.T, cn string) (certFile, keyFile string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o644))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}), 0o600))
	return certFile, keyFile
}

func TestLoadServerConfig(t *testing.T) {
	certFile, keyFile := writeTestCert(t, "gateway.local")
	badCA := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(badCA, []byte("not pem"), 0o644))

	tests := []struct {
		name       string
		cfg        ServerConfig
		wantNil    bool
		wantErr    bool
		clientAuth tls.ClientAuthType
		minVersion uint16
	}{
		{name: "disabled", cfg: ServerConfig{}, wantNil: true},
		{
			name:       "tls 1.3",
			cfg:        ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"},
			minVersion: tls.VersionTLS13,
		},
		{
			name: "required client certs",
			cfg: ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile,
				ClientAuth: ClientAuthConfig{Enabled: true, CAFiles: []string{certFile}, Require: true}},
			clientAuth: tls.RequireAndVerifyClientCert,
			minVersion: tls.VersionTLS12,
		},
		{
			name: "optional client certs",
			cfg: ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile,
				ClientAuth: ClientAuthConfig{Enabled: true, CAFiles: []string{certFile}}},
			clientAuth: tls.VerifyClientCertIfGiven,
			minVersion: tls.VersionTLS12,
		},
		{
			name:    "missing key",
			cfg:     ServerConfig{Enabled: true, CertFile: certFile, KeyFile: certFile + ".missing"},
			wantErr: true,
		},
		{
			name: "invalid client CA",
			cfg: ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile,
				ClientAuth: ClientAuthConfig{Enabled: true, CAFiles: []string{badCA}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadServerConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			assert.Len(t, cfg.Certificates, 1)
			assert.Equal(t, tt.clientAuth, cfg.ClientAuth)
			assert.Equal(t, tt.minVersion, cfg.MinVersion)
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile := writeTestCert(t, "upstream.local")

	cfg, err := LoadClientConfig(ClientConfig{CAFiles: []string{certFile}, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	_, err = LoadClientConfig(ClientConfig{CAFiles: []string{certFile + ".missing"}})
	assert.Error(t, err)

	assert.True(t, ClientConfig{}.IsZero())
	assert.False(t, ClientConfig{InsecureSkipVerify: true}.IsZero())
}

func TestVerifyAllowedClientCN(t *testing.T) {
	chain := [][]*x509.Certificate{{{Subject: pkix.Name{CommonName: "partner-a"}}}}

	assert.NoError(t, verifyAllowedClientCN(chain, []string{"partner-a", "partner-b"}))
	assert.Error(t, verifyAllowedClientCN(chain, []string{"partner-b"}))
	assert.Error(t, verifyAllowedClientCN(nil, []string{"partner-a"}))
}
