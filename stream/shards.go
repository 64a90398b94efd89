package stream

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/lagoon-io/lagoon/state"
)

// ShardInfo folds a vendor shard description into the coordinator
// store's shape. Dangling parent references are kept as-is; the store
// treats a parent with no recorded state as none.
func ShardInfo(shard types.Shard) state.ShardInfo {
	var info = state.ShardInfo{ID: aws.ToString(shard.ShardId)}
	if p := aws.ToString(shard.ParentShardId); p != "" {
		info.Parents = append(info.Parents, p)
	}
	if p := aws.ToString(shard.AdjacentParentShardId); p != "" {
		info.Parents = append(info.Parents, p)
	}
	if shard.SequenceNumberRange != nil {
		info.StartingSequenceNumber = aws.ToString(shard.SequenceNumberRange.StartingSequenceNumber)
	}
	return info
}

// ShardInfos converts a full shard listing.
func ShardInfos(shards []types.Shard) []state.ShardInfo {
	var out = make([]state.ShardInfo, len(shards))
	for i, s := range shards {
		out[i] = ShardInfo(s)
	}
	return out
}
