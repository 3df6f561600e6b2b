package commitlog_test

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bedrisendir/cassandra-capiflash/commitlog"
	"github.com/bedrisendir/cassandra-capiflash/device"
)

// cfMutation is the test stand-in for the host database's Mutation: the
// wire format is just a CF id followed by opaque bytes, enough to
// exercise the codec boundary without depending on a real mutation
// serializer (out of scope, §1).
type cfMutation struct {
	cf   commitlog.CFID
	data []byte
}

func (m cfMutation) Serialize() []byte {
	out := make([]byte, 8+len(m.data))
	binary.BigEndian.PutUint64(out[0:8], uint64(m.cf))
	copy(out[8:], m.data)
	return out
}

type cfCodec struct{}

func (cfCodec) Deserialize(payload []byte) ([]commitlog.SubMutation, error) {
	cf := commitlog.CFID(binary.BigEndian.Uint64(payload[0:8]))
	return []commitlog.SubMutation{{CF: cf, Data: payload[8:]}}, nil
}

func (cfCodec) Rebuild(survivors []commitlog.SubMutation) commitlog.Mutation {
	s := survivors[0]
	return cfMutation{cf: s.CF, data: s.Data}
}

type fixedSchema struct{ known map[commitlog.CFID]bool }

func (s fixedSchema) Exists(cf commitlog.CFID) bool { return s.known[cf] }

type fixedPositions struct{ floor map[commitlog.CFID]commitlog.ReplayPosition }

func (p fixedPositions) GetReplayPosition(cf commitlog.CFID) commitlog.ReplayPosition {
	return p.floor[cf]
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []cfMutation
}

func (a *recordingApplier) Apply(_ context.Context, m commitlog.Mutation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, m.(cfMutation))
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

type noopFlusher struct{}

func (noopFlusher) RequestFlush(commitlog.CFID) {}

type inlineExecutor struct{}

func (inlineExecutor) Submit(task func()) { task() }

func openCommitLog(t *testing.T, dir string, cfg commitlog.Config) *commitlog.CommitLog {
	t.Helper()
	bd := device.NewFileBlockDevice(dir)
	cl, err := commitlog.Open(cfg, bd, noopFlusher{}, inlineExecutor{}, nil)
	require.NoError(t, err)
	return cl
}

func TestAddReturnsMonotonicReplayPositions(t *testing.T) {
	dir := t.TempDir()
	cl := openCommitLog(t, dir, scenarioConfig())
	ctx := context.Background()

	pos1, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: []byte("hello")})
	require.NoError(t, err)
	pos2, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: []byte("world")})
	require.NoError(t, err)

	assert.True(t, pos1.Less(pos2) || pos1 == pos2)
	require.NoError(t, cl.Shutdown())
}

func TestAddRejectsOversizeMutation(t *testing.T) {
	dir := t.TempDir()
	cfg := scenarioConfig()
	cl := openCommitLog(t, dir, cfg)
	ctx := context.Background()

	huge := make([]byte, int(cfg.BlocksPerSegment)*device.BlockSize*2)
	_, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: huge})
	require.Error(t, err)
	var tooLarge *commitlog.RecordTooLargeError
	assert.ErrorAs(t, err, &tooLarge)

	require.NoError(t, cl.Shutdown())
}

// TestCrashAndRecoverReplaysSurvivingMutations exercises S4: several
// appends across a segment rollover, then recovery against a fresh
// CommitLog over the same device files, with no flush watermark
// advanced, replays everything that was written.
func TestCrashAndRecoverReplaysSurvivingMutations(t *testing.T) {
	dir := t.TempDir()
	cfg := scenarioConfig()

	cl := openCommitLog(t, dir, cfg)
	ctx := context.Background()

	payload := make([]byte, 4096-8) // 4096-byte serialized frame payload once the CF header is added
	for i := 0; i < 4; i++ {
		_, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: payload})
		require.NoError(t, err)
	}
	// Simulate a crash: drop the in-memory CommitLog without a clean
	// shutdown or any flush notification. The device files on disk are
	// all that survives.

	cl2 := openCommitLog(t, dir, cfg)
	applier := &recordingApplier{}
	deps := commitlog.ReplayerDeps{
		Reader:        mustOpenChunk(t, dir, cfg),
		CFs:           []commitlog.CFID{1},
		Positions:     fixedPositions{floor: map[commitlog.CFID]commitlog.ReplayPosition{1: {}}},
		Schema:        fixedSchema{known: map[commitlog.CFID]bool{1: true}},
		Codec:         cfCodec{},
		Apply:         applier,
		ApplyExecutor: inlineExecutor{},
		Flush:         noopFlusher{},
	}

	count, err := cl2.Recover(ctx, deps)
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
	assert.Equal(t, 4, applier.count())

	require.NoError(t, cl2.Shutdown())
}

// TestRecoverSkipsMutationsBelowFlushWatermark exercises P5: once a
// flush watermark for a CF has been recorded, recover must not deliver
// mutations at or before it. positions[1] lands in the older of the two
// segments the four appends roll over into, so the two survivors this
// asserts on are the two records in the newer segment.
func TestRecoverSkipsMutationsBelowFlushWatermark(t *testing.T) {
	dir := t.TempDir()
	cfg := scenarioConfig()

	cl := openCommitLog(t, dir, cfg)
	ctx := context.Background()

	payload := make([]byte, 4096-8)
	var positions []commitlog.ReplayPosition
	for i := 0; i < 4; i++ {
		pos, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: payload})
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	cl2 := openCommitLog(t, dir, cfg)
	applier := &recordingApplier{}
	// Pretend everything through positions[1] (the second append) was
	// already flushed to an SSTable before the crash.
	deps := commitlog.ReplayerDeps{
		Reader:        mustOpenChunk(t, dir, cfg),
		CFs:           []commitlog.CFID{1},
		Positions:     fixedPositions{floor: map[commitlog.CFID]commitlog.ReplayPosition{1: positions[1]}},
		Schema:        fixedSchema{known: map[commitlog.CFID]bool{1: true}},
		Codec:         cfCodec{},
		Apply:         applier,
		ApplyExecutor: inlineExecutor{},
		Flush:         noopFlusher{},
	}

	count, err := cl2.Recover(ctx, deps)
	require.NoError(t, err)
	assert.Equal(t, 2, int(count))

	require.NoError(t, cl2.Shutdown())
}

// TestRecoverIncludesMutationStartingExactlyAtFlushWatermark exercises
// the same-segment edge of P5: the floor is set to positions[0], which
// is exactly the block offset the second record starts at within the
// same segment. That second record has not been flushed and must
// survive; only the first (fully covered by the floor) is dropped. This
// is the case a start-offset-based comparison gets wrong, since the
// second record's start offset then equals the floor exactly.
func TestRecoverIncludesMutationStartingExactlyAtFlushWatermark(t *testing.T) {
	dir := t.TempDir()
	cfg := scenarioConfig()

	cl := openCommitLog(t, dir, cfg)
	ctx := context.Background()

	payload := make([]byte, 4096-8)
	var positions []commitlog.ReplayPosition
	for i := 0; i < 2; i++ {
		pos, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: payload})
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	cl2 := openCommitLog(t, dir, cfg)
	applier := &recordingApplier{}
	deps := commitlog.ReplayerDeps{
		Reader:        mustOpenChunk(t, dir, cfg),
		CFs:           []commitlog.CFID{1},
		Positions:     fixedPositions{floor: map[commitlog.CFID]commitlog.ReplayPosition{1: positions[0]}},
		Schema:        fixedSchema{known: map[commitlog.CFID]bool{1: true}},
		Codec:         cfCodec{},
		Apply:         applier,
		ApplyExecutor: inlineExecutor{},
		Flush:         noopFlusher{},
	}

	count, err := cl2.Recover(ctx, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, int(count))

	require.NoError(t, cl2.Shutdown())
}

// TestRecoverStopsAtFirstCorruptFrame exercises S5: flipping a byte in
// the first record's payload means recover delivers zero mutations
// from that slot, because the header/payload CRC catches it before any
// later record is considered.
func TestRecoverStopsAtFirstCorruptFrame(t *testing.T) {
	dir := t.TempDir()
	cfg := scenarioConfig()

	cl := openCommitLog(t, dir, cfg)
	ctx := context.Background()

	payload := make([]byte, 100)
	_, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: payload})
	require.NoError(t, err)
	_, err = cl.Add(ctx, 1, cfMutation{cf: 1, data: payload})
	require.NoError(t, err)
	require.NoError(t, cl.Shutdown())

	// Corrupt one payload byte of the first record on disk.
	fp, err := os.OpenFile(dir+"/"+cfg.Devices[0], os.O_RDWR, 0o644)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = fp.ReadAt(buf, cfg.DataOffset()*device.BlockSize+25)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = fp.WriteAt(buf, cfg.DataOffset()*device.BlockSize+25)
	require.NoError(t, err)
	require.NoError(t, fp.Close())

	cl2 := openCommitLog(t, dir, cfg)
	applier := &recordingApplier{}
	deps := commitlog.ReplayerDeps{
		Reader:        mustOpenChunk(t, dir, cfg),
		CFs:           []commitlog.CFID{1},
		Positions:     fixedPositions{floor: map[commitlog.CFID]commitlog.ReplayPosition{1: {}}},
		Schema:        fixedSchema{known: map[commitlog.CFID]bool{1: true}},
		Codec:         cfCodec{},
		Apply:         applier,
		ApplyExecutor: inlineExecutor{},
		Flush:         noopFlusher{},
	}

	count, err := cl2.Recover(ctx, deps)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	require.NoError(t, cl2.Shutdown())
}

// TestDiscardCompletedSegmentsRecyclesOnlyFullyFlushedOlderSlots exercises
// S6: two segments active, each holding writes for the same CF; once the
// watermark covers both segments' writes, discard recycles the older slot
// and leaves the newer one active, because it is the most recent.
func TestDiscardCompletedSegmentsRecyclesOnlyFullyFlushedOlderSlots(t *testing.T) {
	dir := t.TempDir()
	cfg := scenarioConfig()
	cl := openCommitLog(t, dir, cfg)
	ctx := context.Background()

	payload := make([]byte, 4096-8) // 2 blocks per append, fills a K=4 segment in two appends
	for i := 0; i < 2; i++ {
		_, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: payload})
		require.NoError(t, err)
	}

	// Third append rolls over into a second segment, consuming a free
	// slot; the first segment is now full but still holds dirty data
	// for cf 1, so it is not yet eligible for recycling.
	lastPos, err := cl.Add(ctx, 1, cfMutation{cf: 1, data: payload})
	require.NoError(t, err)
	before := freeListLen(t, cl)

	require.NoError(t, cl.DiscardCompletedSegments(1, lastPos))

	after := freeListLen(t, cl)
	assert.Equal(t, before+1, after, "the first (now fully-covered) segment should have been recycled")

	require.NoError(t, cl.Shutdown())
}

func freeListLen(t *testing.T, cl *commitlog.CommitLog) int {
	t.Helper()
	cl.GetContext() // forces AwaitIdle so the read below isn't racing a write
	return cl.FreeSegments()
}

func mustOpenChunk(t *testing.T, dir string, cfg commitlog.Config) device.Chunk {
	t.Helper()
	bd := device.NewFileBlockDevice(dir)
	chunk, err := bd.OpenChunk(cfg.Devices[0], 1)
	require.NoError(t, err)
	return chunk
}
