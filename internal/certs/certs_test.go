package certs

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	cert, err := Generate([]string{"stream.example", "10.1.2.3", "localhost"}, 48*time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLS.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	leaf, err := x509.ParseCertificate(cert.TLS.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	if validity := leaf.NotAfter.Sub(leaf.NotBefore); validity != 48*time.Hour {
		t.Errorf("validity = %v, want 48h", validity)
	}
	if leaf.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if cert.Fingerprint != sha256.Sum256(cert.TLS.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if len(cert.FingerprintHex()) != 64 {
		t.Errorf("FingerprintHex = %q", cert.FingerprintHex())
	}

	if want := []string{"localhost", "stream.example"}; !slices.Equal(leaf.DNSNames, want) {
		t.Errorf("DNSNames = %v, want %v", leaf.DNSNames, want)
	}
	if !slices.ContainsFunc(leaf.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.1.2.3")) }) {
		t.Errorf("IPAddresses = %v, missing 10.1.2.3", leaf.IPAddresses)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()

	cert, err := Generate(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(cert.TLS.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if validity := leaf.NotAfter.Sub(leaf.NotBefore); validity != DefaultValidity {
		t.Errorf("validity = %v, want %v", validity, DefaultValidity)
	}
}

func TestLoadOrGenerate(t *testing.T) {
	t.Parallel()

	gen, err := Generate(nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	keyDER, err := x509.MarshalECPrivateKey(gen.TLS.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: gen.TLS.Certificate[0]}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadOrGenerate(certFile, keyFile, nil)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Fingerprint != gen.Fingerprint {
		t.Error("loaded certificate differs from the one written")
	}
	if !loaded.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter = %v, want %v", loaded.NotAfter, gen.NotAfter)
	}

	fresh, err := LoadOrGenerate("", keyFile, nil)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Fingerprint == gen.Fingerprint {
		t.Error("expected a newly generated certificate")
	}

	if _, err := Load(filepath.Join(dir, "missing.pem"), keyFile); err == nil {
		t.Error("expected error for missing certificate")
	}
}
