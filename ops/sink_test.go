package ops

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSinkSnapshot(t *testing.T) {
	var s = NewSink("a-stream")

	s.RecordsReceived(3)
	s.RecordsReceived(2)
	s.RecordsSent(4)
	s.Retried()
	s.Checkpointed()
	s.Checkpointed()
	s.LeaseAcquired()
	s.LeaseReleased()
	s.SetOwnedShards(7)

	var stats = s.Snapshot()
	require.Equal(t, uint64(5), stats.RecordsReceived)
	require.Equal(t, uint64(4), stats.RecordsSent)
	require.Equal(t, uint64(1), stats.Retries)
	require.Equal(t, uint64(2), stats.Checkpoints)
	require.Equal(t, uint64(1), stats.LeasesAcquired)
	require.Equal(t, uint64(1), stats.LeasesReleased)
	require.Equal(t, int64(7), stats.OwnedShards)
	require.False(t, stats.StartedAt.IsZero())
}

func TestSinkExportsPrometheusCounters(t *testing.T) {
	var s = NewSink("a-stream")
	s.RecordsReceived(5)
	s.SetOwnedShards(2)

	var expected = strings.NewReader(`
# HELP lagoon_records_received_total Records decoded and emitted to the output channel.
# TYPE lagoon_records_received_total counter
lagoon_records_received_total{stream="a-stream"} 5
`)
	require.NoError(t, testutil.GatherAndCompare(s.Registry(), expected, "lagoon_records_received_total"))

	var gauge = strings.NewReader(`
# HELP lagoon_owned_shards Shards currently leased by this instance.
# TYPE lagoon_owned_shards gauge
lagoon_owned_shards{stream="a-stream"} 2
`)
	require.NoError(t, testutil.GatherAndCompare(s.Registry(), gauge, "lagoon_owned_shards"))
}

func TestSinkDeduplicatesRecentErrors(t *testing.T) {
	var s = NewSink("a-stream")
	s.ObserveError(errors.New("boom"))
	s.ObserveError(errors.New("boom"))
	s.ObserveError(errors.New("other"))
	s.ObserveError(nil)

	var recent = s.Snapshot().RecentErrors
	require.Len(t, recent, 2)
	require.Equal(t, "boom", recent[0].Message)
	require.Equal(t, "other", recent[1].Message)
}

func TestSinkBoundsRecentErrors(t *testing.T) {
	var s = NewSink("a-stream")
	for i := 0; i < recentErrorCap+10; i++ {
		s.ObserveError(errors.New(strings.Repeat("x", i+1)))
	}
	require.Len(t, s.Snapshot().RecentErrors, recentErrorCap)
}
