// Package archive stores zstd-compressed evidence bundles in object storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"aegis/services/custody"
)

const contentType = "application/zstd"

// ObjectStore is the subset of pkg/s3.Client the archive needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256, contentType string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Archive writes custody.EvidenceRecord values to a single bucket.
type Archive struct {
	store  ObjectStore
	bucket string
}

// New returns an Archive writing to bucket.
func New(store ObjectStore, bucket string) (*Archive, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Archive{store: store, bucket: bucket}, nil
}

// Key is the object key for the bundle of a state change. Distinct state
// changes may share an evidence hash, so the state change id is part of it.
func Key(sc custody.StateChange) string {
	return fmt.Sprintf("evidence/%s/%s-%s.json.zst", sc.AssetID, sc.ID, sc.EvidenceHash)
}

// Archive compresses rec and uploads it, returning the object key.
func (a *Archive) Archive(ctx context.Context, rec custody.EvidenceRecord) (string, error) {
	body, err := encode(rec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	key := Key(rec.StateChange)
	if err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), hex.EncodeToString(sum[:]), contentType); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// Load fetches and decodes the bundle archived for sc.
func (a *Archive) Load(ctx context.Context, sc custody.StateChange) (custody.EvidenceRecord, error) {
	key := Key(sc)
	body, err := a.store.GetObject(ctx, a.bucket, key)
	if err != nil {
		return custody.EvidenceRecord{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer body.Close()
	return decode(body)
}

func encode(rec custody.EvidenceRecord) ([]byte, error) {
	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	if err := json.NewEncoder(encoder).Encode(rec); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("flush zstd: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(r io.Reader) (custody.EvidenceRecord, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return custody.EvidenceRecord{}, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var rec custody.EvidenceRecord
	if err := json.NewDecoder(decoder).Decode(&rec); err != nil {
		return custody.EvidenceRecord{}, fmt.Errorf("decode evidence: %w", err)
	}
	return rec, nil
}
