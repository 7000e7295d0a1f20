// Package ca generates and serves the root certificate authority the MITM
// transport (internal/mitm) uses to mint per-host leaf certificates, and the
// leaf cache those certificates are served from (design doc Section 4.2).
//
// The shape of GenerateCert mirrors the CA consumed by the CONNECT
// interception path in majorcontext-moat's internal/proxy/proxy.go
// (p.ca.GenerateCert(host) -> *tls.Certificate, fed straight into
// tls.Config.Certificates), but ownership of key generation and disk
// persistence lives here instead of being left to the caller.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	rootKeyBits = 2048
	leafKeyBits = 2048
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 90 * 24 * time.Hour

	rootCertFile = "rootCertificate.cer"
	rootKeyFile  = "rootCertificate.key"
)

// CA holds the root certificate/key pair and a cache of leaf certificates
// minted from it, one per intercepted host.
type CA struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	rootDER  []byte

	leaves sync.Map // host -> *tls.Certificate
}

// EnsureRoot loads a root CA from dir, generating and persisting a new one
// if none exists yet (design doc Section 4.2: "a long-lived CA exists at a
// stable path under the app folder, generated once on first run").
func EnsureRoot(dir string) (*CA, error) {
	certPath := filepath.Join(dir, rootCertFile)
	keyPath := filepath.Join(dir, rootKeyFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return loadRoot(certPEM, keyPEM)
	}

	ca, err := generateRoot()
	if err != nil {
		return nil, fmt.Errorf("ca: generating root: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ca: creating %s: %w", dir, err)
	}
	if err := ca.writeRoot(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("ca: persisting root: %w", err)
	}

	return ca, nil
}

func generateRoot() (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Dev Proxy CA",
			Organization: []string{"Dev Proxy"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing freshly minted root certificate: %w", err)
	}

	return &CA{rootCert: cert, rootKey: key, rootDER: der}, nil
}

func loadRoot(certPEM, keyPEM []byte) (*CA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("ca: root certificate file is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing root certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("ca: root key file is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing root key: %w", err)
	}

	return &CA{rootCert: cert, rootKey: key, rootDER: certBlock.Bytes}, nil
}

func (c *CA) writeRoot(certPath, keyPath string) error {
	certOut, err := os.Create(certPath)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: c.rootDER}); err != nil {
		return err
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	return pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(c.rootKey)})
}

// RootPEM returns the root certificate in PEM form, for installation into a
// system/browser trust store or for a client to pin directly.
func (c *CA) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.rootDER})
}

// GenerateCert returns a leaf certificate for host, generating and caching
// one on first use. Concurrent callers for the same host may each generate
// a certificate; only one is retained, which is acceptable since generation
// is deterministic in effect (a valid leaf for host) even if not in bytes.
func (c *CA) GenerateCert(host string) (*tls.Certificate, error) {
	if cached, ok := c.leaves.Load(host); ok {
		return cached.(*tls.Certificate), nil
	}

	leaf, err := c.mintLeaf(host)
	if err != nil {
		return nil, err
	}

	actual, _ := c.leaves.LoadOrStore(host, leaf)
	return actual.(*tls.Certificate), nil
}

func (c *CA) mintLeaf(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key for %s: %w", host, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.rootCert, &key.PublicKey, c.rootKey)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, c.rootDER},
		PrivateKey:  key,
	}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}
