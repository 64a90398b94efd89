package codec

import (
	"bytes"
	"crypto/md5"

	"google.golang.org/protobuf/encoding/protowire"
)

// kplMagic prefixes records bundled by producer-side aggregation.
var kplMagic = []byte{0xF3, 0x89, 0x9A, 0xC2}

// aggregated mirrors the producer library's AggregatedRecord message:
//
//	AggregatedRecord {
//	  repeated string partition_key_table    = 1;
//	  repeated string explicit_hash_key_table = 2;
//	  repeated Record records                = 3;
//	}
//	Record {
//	  uint64 partition_key_index             = 1;
//	  optional uint64 explicit_hash_key_index = 2;
//	  bytes data                             = 3;
//	}
type aggregated struct {
	partitionKeys []string
	records       []aggregatedEntry
}

type aggregatedEntry struct {
	partitionKeyIndex uint64
	data              []byte
}

// Deaggregate splits a producer-aggregated record into its logical
// records, assigning subSequenceNumbers and copying the outer arrival
// timestamp and sequence number. Records without the aggregation magic,
// with a bad trailing checksum, or with an unparseable body pass
// through unchanged.
func Deaggregate(raw Raw) []Raw {
	var body = raw.Data
	if len(body) < len(kplMagic)+md5.Size || !bytes.HasPrefix(body, kplMagic) {
		return []Raw{raw}
	}

	var payload = body[len(kplMagic) : len(body)-md5.Size]
	var sum = md5.Sum(payload)
	if !bytes.Equal(sum[:], body[len(body)-md5.Size:]) {
		return []Raw{raw}
	}

	var agg, ok = parseAggregated(payload)
	if !ok || len(agg.records) == 0 {
		return []Raw{raw}
	}

	var out = make([]Raw, 0, len(agg.records))
	for i, entry := range agg.records {
		var sub = i
		var partitionKey = raw.PartitionKey
		if entry.partitionKeyIndex < uint64(len(agg.partitionKeys)) {
			partitionKey = agg.partitionKeys[entry.partitionKeyIndex]
		}
		out = append(out, Raw{
			Data:                        entry.data,
			PartitionKey:                partitionKey,
			SequenceNumber:              raw.SequenceNumber,
			SubSequenceNumber:           &sub,
			ApproximateArrivalTimestamp: raw.ApproximateArrivalTimestamp,
			EncryptionType:              raw.EncryptionType,
		})
	}
	return out
}

func parseAggregated(payload []byte) (aggregated, bool) {
	var agg aggregated
	for len(payload) > 0 {
		var num, typ, n = protowire.ConsumeTag(payload)
		if n < 0 {
			return agg, false
		}
		payload = payload[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			var v, n = protowire.ConsumeBytes(payload)
			if n < 0 {
				return agg, false
			}
			agg.partitionKeys = append(agg.partitionKeys, string(v))
			payload = payload[n:]
		case num == 3 && typ == protowire.BytesType:
			var v, n = protowire.ConsumeBytes(payload)
			if n < 0 {
				return agg, false
			}
			var entry, ok = parseAggregatedEntry(v)
			if !ok {
				return agg, false
			}
			agg.records = append(agg.records, entry)
			payload = payload[n:]
		default:
			var n = protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return agg, false
			}
			payload = payload[n:]
		}
	}
	return agg, true
}

func parseAggregatedEntry(payload []byte) (aggregatedEntry, bool) {
	var entry aggregatedEntry
	for len(payload) > 0 {
		var num, typ, n = protowire.ConsumeTag(payload)
		if n < 0 {
			return entry, false
		}
		payload = payload[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v, n = protowire.ConsumeVarint(payload)
			if n < 0 {
				return entry, false
			}
			entry.partitionKeyIndex = v
			payload = payload[n:]
		case num == 3 && typ == protowire.BytesType:
			var v, n = protowire.ConsumeBytes(payload)
			if n < 0 {
				return entry, false
			}
			entry.data = append([]byte(nil), v...)
			payload = payload[n:]
		default:
			var n = protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return entry, false
			}
			payload = payload[n:]
		}
	}
	return entry, true
}
