package codec

import (
	"crypto/md5"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// buildAggregate assembles a producer-aggregated record body from
// partition keys and per-record (keyIndex, data) pairs.
func buildAggregate(t *testing.T, keys []string, entries []aggregatedEntry) []byte {
	t.Helper()

	var payload []byte
	for _, k := range keys {
		payload = protowire.AppendTag(payload, 1, protowire.BytesType)
		payload = protowire.AppendString(payload, k)
	}
	for _, e := range entries {
		var rec []byte
		rec = protowire.AppendTag(rec, 1, protowire.VarintType)
		rec = protowire.AppendVarint(rec, e.partitionKeyIndex)
		rec = protowire.AppendTag(rec, 3, protowire.BytesType)
		rec = protowire.AppendBytes(rec, e.data)

		payload = protowire.AppendTag(payload, 3, protowire.BytesType)
		payload = protowire.AppendBytes(payload, rec)
	}

	var sum = md5.Sum(payload)
	var out = append([]byte(nil), kplMagic...)
	out = append(out, payload...)
	return append(out, sum[:]...)
}

func TestDeaggregateSplitsBundledRecords(t *testing.T) {
	var arrival = time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC)
	var body = buildAggregate(t,
		[]string{"pk-a", "pk-b"},
		[]aggregatedEntry{
			{partitionKeyIndex: 0, data: []byte("first")},
			{partitionKeyIndex: 1, data: []byte("second")},
			{partitionKeyIndex: 0, data: []byte("third")},
		})

	var out = Deaggregate(Raw{
		Data:                        body,
		PartitionKey:                "outer-pk",
		SequenceNumber:              "42",
		ApproximateArrivalTimestamp: arrival,
		EncryptionType:              "KMS",
	})
	require.Len(t, out, 3)

	for i, raw := range out {
		require.Equal(t, "42", raw.SequenceNumber)
		require.Equal(t, arrival, raw.ApproximateArrivalTimestamp)
		require.Equal(t, "KMS", raw.EncryptionType)
		require.NotNil(t, raw.SubSequenceNumber)
		require.Equal(t, i, *raw.SubSequenceNumber)
	}
	require.Equal(t, []byte("first"), out[0].Data)
	require.Equal(t, "pk-a", out[0].PartitionKey)
	require.Equal(t, []byte("second"), out[1].Data)
	require.Equal(t, "pk-b", out[1].PartitionKey)
	require.Equal(t, []byte("third"), out[2].Data)
	require.Equal(t, "pk-a", out[2].PartitionKey)
}

func TestDeaggregatePassesThroughPlainRecords(t *testing.T) {
	var raw = Raw{Data: []byte("just a record"), SequenceNumber: "7"}
	var out = Deaggregate(raw)
	require.Len(t, out, 1)
	require.Equal(t, raw, out[0])
	require.Nil(t, out[0].SubSequenceNumber)
}

func TestDeaggregateRejectsBadChecksum(t *testing.T) {
	var body = buildAggregate(t, []string{"pk"}, []aggregatedEntry{{data: []byte("x")}})
	body[len(body)-1] ^= 0xFF

	var out = Deaggregate(Raw{Data: body, SequenceNumber: "7"})
	require.Len(t, out, 1)
	require.Equal(t, body, out[0].Data)
}

func TestDeaggregateRejectsUnparseablePayload(t *testing.T) {
	// Correct magic and checksum over garbage protobuf.
	var payload = []byte{0xFF, 0xFF, 0xFF}
	var sum = md5.Sum(payload)
	var body = append(append(append([]byte(nil), kplMagic...), payload...), sum[:]...)

	var out = Deaggregate(Raw{Data: body})
	require.Len(t, out, 1)
	require.Equal(t, body, out[0].Data)
}
