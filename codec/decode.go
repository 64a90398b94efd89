package codec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"regexp"

	log "github.com/sirupsen/logrus"
)

// ParseMode controls JSON parsing of decoded record bodies.
type ParseMode int

const (
	// ParseNever returns bodies as strings.
	ParseNever ParseMode = iota
	// ParseAlways parses every body; failures degrade to the raw string.
	ParseAlways
	// ParseAuto parses only bodies that look like a JSON object or array.
	ParseAuto
)

// autoParseRe matches bodies worth attempting to parse in ParseAuto mode.
var autoParseRe = regexp.MustCompile(`(?s)^[{\[].*[}\]]$`)

// Decoder reverses Encoder: reassemble offloaded bodies, decompress,
// and optionally parse. Codec failures never propagate; the record
// degrades to its raw bytes with a logged warning.
type Decoder struct {
	Compressor Compressor // nil disables decompression
	Blobs      BlobStore  // nil disables offload reassembly
	// Base64 decodes bodies that were transported base64-encoded.
	// Not used on the native transports, which carry raw bytes.
	Base64    bool
	ParseMode ParseMode
	Logger    *log.Entry
}

// Decode turns one received record into its emitted form.
func (d *Decoder) Decode(ctx context.Context, raw Raw) Record {
	var out = Record{
		ApproximateArrivalTimestamp: raw.ApproximateArrivalTimestamp,
		EncryptionType:              raw.EncryptionType,
		PartitionKey:                raw.PartitionKey,
		SequenceNumber:              raw.SequenceNumber,
		SubSequenceNumber:           raw.SubSequenceNumber,
	}

	var body = raw.Data

	if d.Compressor == nil && d.Base64 {
		if decoded, err := base64.StdEncoding.DecodeString(string(body)); err == nil {
			body = decoded
		}
	}

	// Oversized bodies are offloaded after compression and replaced by a
	// plain-JSON sentinel, so the sentinel is resolved first and the
	// fetched body decompressed below.
	if fetched, ok, err := d.reassemble(ctx, body); err != nil {
		d.warn(raw, "failed to fetch offloaded record body, returning sentinel", err)
		out.Data = string(body)
		return out
	} else if ok {
		body = fetched
	}

	if d.Compressor != nil {
		if decompressed, err := d.Compressor.Decompress(body); err != nil {
			d.warn(raw, "failed to decompress record, returning raw bytes", err)
			out.Data = string(body)
			return out
		} else {
			body = decompressed
		}
	}

	out.Data = d.parse(raw, body)
	return out
}

// reassemble detects the offload sentinel and fetches the blob.
func (d *Decoder) reassemble(ctx context.Context, body []byte) ([]byte, bool, error) {
	if d.Blobs == nil {
		return nil, false, nil
	}
	var sentinel struct {
		Item *blobSentinel `json:"@S3Item"`
	}
	if json.Unmarshal(body, &sentinel) != nil || sentinel.Item == nil {
		return nil, false, nil
	}
	var fetched, err = d.Blobs.Get(ctx, sentinel.Item.Bucket, sentinel.Item.Key)
	if err != nil {
		return nil, false, err
	}
	return fetched, true, nil
}

func (d *Decoder) parse(raw Raw, body []byte) interface{} {
	var attempt bool
	switch d.ParseMode {
	case ParseAlways:
		attempt = true
	case ParseAuto:
		attempt = autoParseRe.Match(body)
	}
	if !attempt {
		return string(body)
	}

	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		d.warn(raw, "failed to parse record as JSON, returning raw string", err)
		return string(body)
	}
	return parsed
}

func (d *Decoder) warn(raw Raw, msg string, err error) {
	if d.Logger == nil {
		return
	}
	d.Logger.WithField("sequenceNumber", raw.SequenceNumber).WithError(err).Warn(msg)
}
