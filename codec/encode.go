package codec

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Submission is one record handed to PutRecord / PutRecords.
type Submission struct {
	Data                      interface{}
	PartitionKey              string
	ExplicitHashKey           string
	SequenceNumberForOrdering string
}

// Encoded is the provider-shaped result of encoding a Submission.
type Encoded struct {
	Data                      []byte
	PartitionKey              string
	ExplicitHashKey           string
	SequenceNumberForOrdering string
}

// Encoder turns user submissions into provider-shaped records:
// serialize, compress, offload oversized bodies to the blob store, and
// derive a partition key when the caller didn't give one.
type Encoder struct {
	Stream     string
	Compressor Compressor // nil disables compression
	Blobs      BlobStore  // nil disables offload
	// Threshold in bytes above which bodies are offloaded.
	LargeItemThreshold int
	// Keys copied from the original object into the offload sentinel,
	// kept inline for querying.
	NonBlobKeys []string
	Logger      *log.Entry
}

// blobSentinel is the inline replacement for an offloaded body.
type blobSentinel struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"eTag"`
}

// Encode prepares one submission for the stream.
func (e *Encoder) Encode(ctx context.Context, sub Submission) (Encoded, error) {
	if sub.Data == nil {
		return Encoded{}, MissingFieldError{Field: "data"}
	}

	var body []byte
	switch d := sub.Data.(type) {
	case []byte:
		body = d
	case string:
		body = []byte(d)
	case json.RawMessage:
		body = d
	default:
		var err error
		if body, err = json.Marshal(d); err != nil {
			return Encoded{}, fmt.Errorf("serializing record data: %w", err)
		}
	}

	if e.Compressor != nil {
		var compressed, err = e.Compressor.Compress(body)
		if err != nil {
			return Encoded{}, fmt.Errorf("compressing record data: %w", err)
		}
		body = compressed
	}

	if e.Blobs != nil && len(body) > e.LargeItemThreshold {
		var offloaded, err = e.offload(ctx, sub.Data, body)
		if err != nil {
			return Encoded{}, err
		}
		body = offloaded
	}

	var partitionKey = sub.PartitionKey
	if partitionKey == "" {
		var sum = sha1.Sum(body)
		partitionKey = base64.StdEncoding.EncodeToString(sum[:])
	}

	return Encoded{
		Data:                      body,
		PartitionKey:              partitionKey,
		ExplicitHashKey:           sub.ExplicitHashKey,
		SequenceNumberForOrdering: sub.SequenceNumberForOrdering,
	}, nil
}

// offload uploads |body| and returns the sentinel that replaces it.
// The key prefix matches the bucket's expiration lifecycle rule.
func (e *Encoder) offload(ctx context.Context, original interface{}, body []byte) ([]byte, error) {
	var key = fmt.Sprintf("%s--%s.json", e.Stream, uuid.NewString())

	var eTag, err = e.Blobs.Put(ctx, key, body)
	if err != nil {
		return nil, fmt.Errorf("offloading record body to blob store: %w", err)
	}

	var sentinel = map[string]interface{}{
		"@S3Item": blobSentinel{Bucket: e.Blobs.Bucket(), Key: key, ETag: eTag},
	}

	// Retain the configured keys inline, when the original is an object.
	if len(e.NonBlobKeys) > 0 {
		if obj, ok := asObject(original); ok {
			for _, k := range e.NonBlobKeys {
				if v, present := obj[k]; present {
					sentinel[k] = v
				}
			}
		} else if e.Logger != nil {
			e.Logger.Warn("nonS3Keys configured but record data is not an object")
		}
	}

	return json.Marshal(sentinel)
}

func asObject(data interface{}) (map[string]interface{}, bool) {
	switch d := data.(type) {
	case map[string]interface{}:
		return d, true
	case []byte:
		var obj map[string]interface{}
		if json.Unmarshal(d, &obj) == nil {
			return obj, true
		}
	case string:
		var obj map[string]interface{}
		if json.Unmarshal([]byte(d), &obj) == nil {
			return obj, true
		}
	default:
		var raw, err = json.Marshal(d)
		if err == nil {
			var obj map[string]interface{}
			if json.Unmarshal(raw, &obj) == nil {
				return obj, true
			}
		}
	}
	return nil, false
}
