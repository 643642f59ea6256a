// Package storage keeps certificates and pass archives as opaque blobs.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cppla/passbook/config"
)

// ErrNotFound is returned when a key holds no blob.
var ErrNotFound = errors.New("blob not found")

// Well-known keys.
const (
	CertKey     = "apple/cert.pem"
	KeyKey      = "apple/key.pem"
	WWDRKey     = "apple/AppleWWDR.pem"
	APNsKeyKey  = "apple/AuthKey.p8"
	passesDir   = "apple/passes/"
	pkpassMIME  = "application/vnd.apple.pkpass"
	defaultMIME = "application/octet-stream"
)

// BlobStore reads and writes blobs by key.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// PassArchiveKey is where the archive of serial lives.
func PassArchiveKey(serial string) string {
	return passesDir + serial + ".pkpass"
}

// PassArchiveContentType is the MIME type of pass archives.
const PassArchiveContentType = pkpassMIME

// Archives adapts a BlobStore to read pass archives by serial.
type Archives struct {
	Store BlobStore
}

// ReadArchive returns the stored archive of serial.
func (a Archives) ReadArchive(ctx context.Context, serial string) ([]byte, error) {
	return a.Store.Get(ctx, PassArchiveKey(serial))
}

// New opens the store selected by configuration.
func New(ctx context.Context, c config.AppConfig) (BlobStore, error) {
	switch c.StorageDriver {
	case "gcs":
		return NewGCSStore(ctx, c.GCSBucketName, []byte(c.GoogleCredentialsJSON))
	case "fs", "":
		return NewFSStore(c.StorageDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
}
