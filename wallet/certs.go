// Package wallet talks to the Apple and Google wallet platforms: pass archives, save links
// and push notifications.
package wallet

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cppla/passbook/storage"
	"github.com/cppla/passbook/utils"
)

// Certificates is the Apple signing material.
type Certificates struct {
	Signer    *x509.Certificate
	SignerKey crypto.PrivateKey
	WWDR      *x509.Certificate
}

// CertificateCache loads signing material from blob storage on first use and keeps it for the
// life of the process. Failed loads are not cached, so a fixed bucket heals without a restart.
type CertificateCache struct {
	store storage.BlobStore

	mu      sync.Mutex
	signing *Certificates
	apnsKey *ecdsa.PrivateKey
}

// NewCertificateCache builds an empty cache over store.
func NewCertificateCache(store storage.BlobStore) *CertificateCache {
	return &CertificateCache{store: store}
}

// Signing returns the pass signing certificates.
func (c *CertificateCache) Signing(ctx context.Context) (*Certificates, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signing != nil {
		return c.signing, nil
	}

	certPEM, err := c.fetch(ctx, storage.CertKey)
	if err != nil {
		return nil, err
	}
	keyPEM, err := c.fetch(ctx, storage.KeyKey)
	if err != nil {
		return nil, err
	}
	wwdrPEM, err := c.fetch(ctx, storage.WWDRKey)
	if err != nil {
		return nil, err
	}

	signer, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("signer certificate: %w", err)
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("signer key: %w", err)
	}
	wwdr, err := ParseCertificatePEM(wwdrPEM)
	if err != nil {
		return nil, fmt.Errorf("wwdr certificate: %w", err)
	}
	c.signing = &Certificates{Signer: signer, SignerKey: key, WWDR: wwdr}
	return c.signing, nil
}

// APNsKey returns the token-auth key for push.
func (c *CertificateCache) APNsKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apnsKey != nil {
		return c.apnsKey, nil
	}
	raw, err := c.fetch(ctx, storage.APNsKeyKey)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKeyPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("apns key: %w", err)
	}
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("apns key is not an EC key")
	}
	c.apnsKey = ec
	return ec, nil
}

// Reset forgets everything loaded so the next call reads storage again.
func (c *CertificateCache) Reset() {
	c.mu.Lock()
	c.signing = nil
	c.apnsKey = nil
	c.mu.Unlock()
}

func (c *CertificateCache) fetch(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := utils.Retry(ctx, 3, 200*time.Millisecond, func(ctx context.Context) error {
		b, err := c.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return utils.Permanent(fmt.Errorf("%s: %w", key, err))
		}
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// ParseCertificatePEM decodes the first CERTIFICATE block.
func ParseCertificatePEM(b []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			return nil, errors.New("no certificate PEM block")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// ParsePrivateKeyPEM decodes PKCS#8, PKCS#1 or SEC1 private keys.
func ParsePrivateKeyPEM(b []byte) (crypto.PrivateKey, error) {
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			return nil, errors.New("no private key PEM block")
		}
		switch block.Type {
		case "PRIVATE KEY":
			return x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		}
	}
}
