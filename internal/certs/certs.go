// Package certs provides the TLS certificate for the streaming proxy: a
// key pair loaded from disk, or a self-signed ECDSA P-256 certificate
// generated at startup.
package certs

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
	"net"
	"time"
)

// DefaultValidity is used when Generate is asked for a non-positive validity.
const DefaultValidity = 30 * 24 * time.Hour

// Cert is a TLS certificate and the SHA-256 fingerprint of its leaf.
type Cert struct {
	TLS         tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintHex returns the leaf fingerprint as colon-free hex.
func (c *Cert) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// Generate creates a self-signed certificate for hosts, each of which may be
// a DNS name or an IP address. localhost and the loopback addresses are
// always included.
func Generate(hosts []string, validity time.Duration) (*Cert, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certs: generate serial: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute) // clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "tsfilter"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if h == "" || h == "localhost" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certs: create certificate: %w", err)
	}

	return &Cert{
		TLS:         tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
		Fingerprint: sha256.Sum256(der),
		NotAfter:    template.NotAfter,
	}, nil
}

// Load reads a PEM certificate and key pair.
func Load(certFile, keyFile string) (*Cert, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("certs: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("certs: parse %s: %w", certFile, err)
	}
	return &Cert{
		TLS:         pair,
		Fingerprint: sha256.Sum256(pair.Certificate[0]),
		NotAfter:    leaf.NotAfter,
	}, nil
}

// LoadOrGenerate loads the pair when both files are named and generates a
// self-signed certificate for hosts otherwise.
func LoadOrGenerate(certFile, keyFile string, hosts []string) (*Cert, error) {
	if certFile != "" && keyFile != "" {
		return Load(certFile, keyFile)
	}
	return Generate(hosts, DefaultValidity)
}
