package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"time"
)

// loadTLSConfig builds the server's TLS configuration per spec §6: load the
// configured certificate/key pair, or fail fatally if paths were given but
// the files don't exist. If both paths are left at their defaults and
// neither file is present, a self-signed certificate is generated instead —
// this keeps a freshly-checked-out server runnable without operators having
// to provision certs before their first run.
func loadTLSConfig(cfg Config) (*tls.Config, error) {
	_, certErr := os.Stat(cfg.CertFile)
	_, keyErr := os.Stat(cfg.KeyFile)
	if certErr == nil && keyErr == nil {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("[tls] load %s/%s: %w", cfg.CertFile, cfg.KeyFile, err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}
	if certErr == nil || keyErr == nil {
		return nil, fmt.Errorf("[tls] %s/%s: one of certFile/keyFile exists without the other", cfg.CertFile, cfg.KeyFile)
	}
	if def := defaultConfig(); cfg.CertFile != def.CertFile || cfg.KeyFile != def.KeyFile {
		return nil, fmt.Errorf("[tls] %s/%s: configured certificate files not found", cfg.CertFile, cfg.KeyFile)
	}

	hostname := splitHostPort(fmt.Sprintf(":%d", cfg.Port))
	tlsConfig, fingerprint, err := generateSelfSignedTLSConfig(24*time.Hour, hostname)
	if err != nil {
		return nil, err
	}
	fmt.Printf("[tls] no certFile/keyFile configured; generated self-signed cert, fingerprint %s\n", fingerprint)
	return tlsConfig, nil
}

// generateSelfSignedTLSConfig creates an ephemeral self-signed certificate
// valid for validity from now, returning the resulting tls.Config and its
// SHA-256 fingerprint.
func generateSelfSignedTLSConfig(validity time.Duration, hostname string) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("[tls] generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("[tls] generate serial: %w", err)
	}

	cn := "murmur"
	if hostname != "" {
		cn = hostname
	}
	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("[tls] create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("[tls] parse certificate: %w", err)
	}

	sum := sha256.Sum256(certDER)
	fp := hex.EncodeToString(sum[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
	}, fp, nil
}
