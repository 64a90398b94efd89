package codec

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressorRegistry(t *testing.T) {
	for _, name := range []string{"LZ-UTF8", "GZIP"} {
		var c, err = LookupCompressor(name)
		require.NoError(t, err)
		require.Equal(t, name, c.Name())
	}

	var _, err = LookupCompressor("SNAPPY")
	require.EqualError(t, err, `unknown compression "SNAPPY" (have [GZIP LZ-UTF8])`)
}

func TestBuiltinCompressorsRoundTrip(t *testing.T) {
	var body = []byte(`{"message":"the quick brown fox jumps over the lazy dog, repeatedly and at length"}`)

	for _, name := range []string{"LZ-UTF8", "GZIP"} {
		var c, err = LookupCompressor(name)
		require.NoError(t, err)

		compressed, err := c.Compress(body)
		require.NoError(t, err)
		restored, err := c.Decompress(compressed)
		require.NoError(t, err)
		require.Equal(t, body, restored)
	}
}

func TestEncodeRequiresData(t *testing.T) {
	var enc = Encoder{Stream: "a-stream"}
	var _, err = enc.Encode(context.Background(), Submission{})
	require.Equal(t, MissingFieldError{Field: "data"}, err)
	require.EqualError(t, err, `missing required field "data"`)
}

func TestEncodePassesThroughBytesAndStrings(t *testing.T) {
	var enc = Encoder{Stream: "a-stream"}

	out, err := enc.Encode(context.Background(), Submission{Data: "plain text"})
	require.NoError(t, err)
	require.Equal(t, []byte("plain text"), out.Data)

	out, err = enc.Encode(context.Background(), Submission{Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, out.Data)

	out, err = enc.Encode(context.Background(), Submission{
		Data: map[string]interface{}{"answer": 42},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":42}`, string(out.Data))
}

func TestEncodeDerivesPartitionKey(t *testing.T) {
	var enc = Encoder{Stream: "a-stream"}

	var out, err = enc.Encode(context.Background(), Submission{Data: "some body"})
	require.NoError(t, err)

	var sum = sha1.Sum([]byte("some body"))
	require.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), out.PartitionKey)

	out, err = enc.Encode(context.Background(), Submission{Data: "some body", PartitionKey: "given"})
	require.NoError(t, err)
	require.Equal(t, "given", out.PartitionKey)
}

func TestEncodeCarriesOrderingFields(t *testing.T) {
	var enc = Encoder{Stream: "a-stream"}
	var out, err = enc.Encode(context.Background(), Submission{
		Data:                      "x",
		ExplicitHashKey:           "123",
		SequenceNumberForOrdering: "456",
	})
	require.NoError(t, err)
	require.Equal(t, "123", out.ExplicitHashKey)
	require.Equal(t, "456", out.SequenceNumberForOrdering)
}

func TestEncodeDecodeRoundTripWithCompression(t *testing.T) {
	var compressor, err = LookupCompressor("LZ-UTF8")
	require.NoError(t, err)

	var enc = Encoder{Stream: "a-stream", Compressor: compressor}
	var dec = Decoder{Compressor: compressor, ParseMode: ParseAuto}

	var value = map[string]interface{}{
		"message": "value large enough that compression has something to chew on chew on chew on",
		"n":       float64(7),
	}
	encoded, err := enc.Encode(context.Background(), Submission{Data: value})
	require.NoError(t, err)

	var record = dec.Decode(context.Background(), Raw{Data: encoded.Data, SequenceNumber: "9"})
	require.Equal(t, value, record.Data)
	require.Equal(t, "9", record.SequenceNumber)
}

func TestDecodeDegradesOnBadCompression(t *testing.T) {
	var compressor, err = LookupCompressor("GZIP")
	require.NoError(t, err)

	var dec = Decoder{Compressor: compressor}
	var record = dec.Decode(context.Background(), Raw{Data: []byte("not gzip at all")})
	require.Equal(t, "not gzip at all", record.Data)
}

func TestDecodeParseModes(t *testing.T) {
	var body = []byte(`{"a":1}`)

	var record = (&Decoder{ParseMode: ParseNever}).Decode(context.Background(), Raw{Data: body})
	require.Equal(t, `{"a":1}`, record.Data)

	record = (&Decoder{ParseMode: ParseAlways}).Decode(context.Background(), Raw{Data: body})
	require.Equal(t, map[string]interface{}{"a": float64(1)}, record.Data)

	record = (&Decoder{ParseMode: ParseAuto}).Decode(context.Background(), Raw{Data: body})
	require.Equal(t, map[string]interface{}{"a": float64(1)}, record.Data)

	// Auto mode leaves non-JSON-looking bodies alone.
	record = (&Decoder{ParseMode: ParseAuto}).Decode(context.Background(), Raw{Data: []byte("12 monkeys")})
	require.Equal(t, "12 monkeys", record.Data)

	// Parse failures degrade to the raw string.
	record = (&Decoder{ParseMode: ParseAlways}).Decode(context.Background(), Raw{Data: []byte("{broken")})
	require.Equal(t, "{broken", record.Data)
}

func TestDecodeBase64(t *testing.T) {
	var body = base64.StdEncoding.EncodeToString([]byte(`{"b":2}`))
	var dec = Decoder{Base64: true, ParseMode: ParseAuto}

	var record = dec.Decode(context.Background(), Raw{Data: []byte(body)})
	require.Equal(t, map[string]interface{}{"b": float64(2)}, record.Data)
}

// memoryBlobs is an in-memory BlobStore.
type memoryBlobs struct {
	bucket  string
	objects map[string][]byte
	fail    bool
}

func (m *memoryBlobs) Bucket() string { return m.bucket }

func (m *memoryBlobs) Put(_ context.Context, key string, body []byte) (string, error) {
	if m.fail {
		return "", fmt.Errorf("put refused")
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = append([]byte(nil), body...)
	return "etag-1", nil
}

func (m *memoryBlobs) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if m.fail {
		return nil, fmt.Errorf("get refused")
	}
	if body, ok := m.objects[key]; ok && bucket == m.bucket {
		return body, nil
	}
	return nil, fmt.Errorf("no such object %s/%s", bucket, key)
}

func TestEncodeOffloadsLargeBodies(t *testing.T) {
	var blobs = &memoryBlobs{bucket: "a-bucket"}
	var enc = Encoder{Stream: "a-stream", Blobs: blobs, LargeItemThreshold: 16}

	var original = map[string]interface{}{
		"id":      "record-7",
		"payload": "a rather large payload that clearly exceeds the configured threshold",
	}
	var out, err = enc.Encode(context.Background(), Submission{Data: original})
	require.NoError(t, err)

	var sentinel struct {
		Item *struct {
			Bucket string `json:"bucket"`
			Key    string `json:"key"`
			ETag   string `json:"eTag"`
		} `json:"@S3Item"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &sentinel))
	require.NotNil(t, sentinel.Item)
	require.Equal(t, "a-bucket", sentinel.Item.Bucket)
	require.Regexp(t, `^a-stream--[0-9a-f-]+\.json$`, sentinel.Item.Key)
	require.Equal(t, "etag-1", sentinel.Item.ETag)
	require.Len(t, blobs.objects, 1)

	// Decoding reassembles the original body.
	var dec = Decoder{Blobs: blobs, ParseMode: ParseAuto}
	var record = dec.Decode(context.Background(), Raw{Data: out.Data})
	require.Equal(t, original["id"], record.Data.(map[string]interface{})["id"])
}

func TestEncodeDecodeRoundTripWithCompressionAndOffload(t *testing.T) {
	// Offloaded blobs hold the compressed body while the inline sentinel
	// is plain JSON; decoding must resolve the sentinel first and then
	// decompress what it fetched.
	var body = "a large body well over the threshold a large body well over the threshold " +
		"a large body well over the threshold a large body well over the threshold"

	for _, name := range []string{"LZ-UTF8", "GZIP"} {
		var compressor, err = LookupCompressor(name)
		require.NoError(t, err)

		var blobs = &memoryBlobs{bucket: "a-bucket"}
		var enc = Encoder{
			Stream:             "a-stream",
			Compressor:         compressor,
			Blobs:              blobs,
			LargeItemThreshold: 16,
		}
		var dec = Decoder{Compressor: compressor, Blobs: blobs, ParseMode: ParseNever}

		encoded, err := enc.Encode(context.Background(), Submission{Data: body})
		require.NoError(t, err)

		// The record on the wire is the sentinel, not the body.
		var sentinel struct {
			Item *struct {
				Key string `json:"key"`
			} `json:"@S3Item"`
		}
		require.NoError(t, json.Unmarshal(encoded.Data, &sentinel))
		require.NotNil(t, sentinel.Item, "compressor %s", name)
		require.Len(t, blobs.objects, 1)

		var record = dec.Decode(context.Background(), Raw{Data: encoded.Data, SequenceNumber: "3"})
		require.Equal(t, body, record.Data, "compressor %s", name)
	}
}

func TestEncodeOffloadRetainsNonBlobKeys(t *testing.T) {
	var blobs = &memoryBlobs{bucket: "a-bucket"}
	var enc = Encoder{
		Stream:             "a-stream",
		Blobs:              blobs,
		LargeItemThreshold: 16,
		NonBlobKeys:        []string{"id", "missing"},
	}

	var out, err = enc.Encode(context.Background(), Submission{Data: map[string]interface{}{
		"id":      "record-7",
		"payload": "a rather large payload that clearly exceeds the configured threshold",
	}})
	require.NoError(t, err)

	var inline map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Data, &inline))
	require.Equal(t, "record-7", inline["id"])
	require.NotContains(t, inline, "missing")
	require.NotContains(t, inline, "payload")
}

func TestEncodeSmallBodiesStayInline(t *testing.T) {
	var blobs = &memoryBlobs{bucket: "a-bucket"}
	var enc = Encoder{Stream: "a-stream", Blobs: blobs, LargeItemThreshold: 1 << 20}

	var out, err = enc.Encode(context.Background(), Submission{Data: "tiny"})
	require.NoError(t, err)
	require.Equal(t, []byte("tiny"), out.Data)
	require.Empty(t, blobs.objects)
}

func TestEncodeOffloadFailurePropagates(t *testing.T) {
	var enc = Encoder{
		Stream:             "a-stream",
		Blobs:              &memoryBlobs{bucket: "a-bucket", fail: true},
		LargeItemThreshold: 1,
	}
	var _, err = enc.Encode(context.Background(), Submission{Data: "not so tiny"})
	require.ErrorContains(t, err, "offloading record body")
}

func TestDecodeOffloadFetchFailureDegrades(t *testing.T) {
	var dec = Decoder{Blobs: &memoryBlobs{bucket: "a-bucket", fail: true}}
	var sentinel = `{"@S3Item":{"bucket":"a-bucket","key":"gone.json"}}`

	var record = dec.Decode(context.Background(), Raw{Data: []byte(sentinel)})
	require.Equal(t, sentinel, record.Data)
}
