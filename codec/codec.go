// Package codec implements the record transforms applied on write and
// read: JSON serialization, pluggable compression, blob-store offload of
// oversized payloads, and de-bundling of producer-aggregated records.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/lagoon-io/lagoon/codec/lzutf8"
)

// Compressor is a named, symmetric payload transform.
type Compressor interface {
	Name() string
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
}

var (
	compressorsMu sync.RWMutex
	compressors   = map[string]Compressor{}
)

// RegisterCompressor makes a Compressor available under its Name.
// Registering over an existing name replaces it.
func RegisterCompressor(c Compressor) {
	compressorsMu.Lock()
	defer compressorsMu.Unlock()
	compressors[c.Name()] = c
}

// LookupCompressor resolves a configured compression name.
func LookupCompressor(name string) (Compressor, error) {
	compressorsMu.RLock()
	defer compressorsMu.RUnlock()
	if c, ok := compressors[name]; ok {
		return c, nil
	}
	var known []string
	for n := range compressors {
		known = append(known, n)
	}
	sort.Strings(known)
	return nil, fmt.Errorf("unknown compression %q (have %v)", name, known)
}

func init() {
	RegisterCompressor(lzutf8Compressor{})
	RegisterCompressor(gzipCompressor{})
}

type lzutf8Compressor struct{}

func (lzutf8Compressor) Name() string                       { return "LZ-UTF8" }
func (lzutf8Compressor) Compress(p []byte) ([]byte, error)  { return lzutf8.Compress(p), nil }
func (lzutf8Compressor) Decompress(p []byte) ([]byte, error) { return lzutf8.Decompress(p) }

type gzipCompressor struct{}

func (gzipCompressor) Name() string { return "GZIP" }

func (gzipCompressor) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w = gzip.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(p []byte) ([]byte, error) {
	var r, err = gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// BlobStore abstracts the offload target for oversized payloads.
type BlobStore interface {
	Bucket() string
	Put(ctx context.Context, key string, body []byte) (eTag string, err error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Raw is a received record before decoding, normalized across the pull
// and push transports.
type Raw struct {
	Data                        []byte
	PartitionKey                string
	SequenceNumber              string
	SubSequenceNumber           *int
	ApproximateArrivalTimestamp time.Time
	EncryptionType              string
}

// Record is a decoded record as emitted on the output channel.
type Record struct {
	ApproximateArrivalTimestamp time.Time   `json:"approximateArrivalTimestamp"`
	Data                        interface{} `json:"data"`
	EncryptionType              string      `json:"encryptionType,omitempty"`
	PartitionKey                string      `json:"partitionKey"`
	SequenceNumber              string      `json:"sequenceNumber"`
	SubSequenceNumber           *int        `json:"subSequenceNumber,omitempty"`
}

// MissingFieldError reports a required field absent from a submission.
type MissingFieldError struct{ Field string }

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}
