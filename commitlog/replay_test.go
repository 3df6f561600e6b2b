package commitlog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bedrisendir/cassandra-capiflash/commitlog"
	"github.com/bedrisendir/cassandra-capiflash/device"
)

func TestMinReplayPositionPicksElementwiseMinimum(t *testing.T) {
	a := commitlog.ReplayPosition{SegmentID: 3, BlockOffset: 10}
	b := commitlog.ReplayPosition{SegmentID: 1, BlockOffset: 999}
	c := commitlog.ReplayPosition{SegmentID: 1, BlockOffset: 2}

	got := commitlog.MinReplayPosition(a, b, c)
	assert.Equal(t, commitlog.ReplayPosition{SegmentID: 1, BlockOffset: 2}, got)
}

func TestReplayDropsSubMutationsForMissingColumnFamily(t *testing.T) {
	dir := t.TempDir()
	cfg := scenarioConfig()

	cl := openCommitLog(t, dir, cfg)
	ctx := context.Background()
	_, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: []byte("dropped-on-replay")})
	require.NoError(t, err)

	cl2 := openCommitLog(t, dir, cfg)
	applier := &recordingApplier{}
	deps := commitlog.ReplayerDeps{
		Reader:    mustOpenChunk(t, dir, cfg),
		CFs:       []commitlog.CFID{1},
		Positions: fixedPositions{floor: map[commitlog.CFID]commitlog.ReplayPosition{1: {}}},
		// CF 1 no longer exists in the schema as of replay time.
		Schema:        fixedSchema{known: map[commitlog.CFID]bool{}},
		Codec:         cfCodec{},
		Apply:         applier,
		ApplyExecutor: inlineExecutor{},
		Flush:         noopFlusher{},
	}

	count, err := cl2.Recover(ctx, deps)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
	assert.Equal(t, 0, applier.count())

	require.NoError(t, cl2.Shutdown())
}

func TestReplayerStreamsInConfiguredChunkSize(t *testing.T) {
	dir := t.TempDir()
	cfg := scenarioConfig()

	cl := openCommitLog(t, dir, cfg)
	ctx := context.Background()
	_, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: []byte("small")})
	require.NoError(t, err)

	cl2 := openCommitLog(t, dir, cfg)
	applier := &recordingApplier{}
	deps := commitlog.ReplayerDeps{
		Reader:                mustOpenChunk(t, dir, cfg),
		CFs:                   []commitlog.CFID{1},
		Positions:             fixedPositions{floor: map[commitlog.CFID]commitlog.ReplayPosition{1: {}}},
		Schema:                fixedSchema{known: map[commitlog.CFID]bool{1: true}},
		Codec:                 cfCodec{},
		Apply:                 applier,
		ApplyExecutor:         inlineExecutor{},
		Flush:                 noopFlusher{},
		StreamChunkBlocks:     1, // force multiple small reads to assemble one segment
		MaxOutstandingApplies: 4,
	}

	count, err := cl2.Recover(ctx, deps)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	assert.Equal(t, 1, applier.count())

	require.NoError(t, cl2.Shutdown())
	_ = device.BlockSize
}
