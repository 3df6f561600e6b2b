package commitlog

import (
	"context"
	"sort"
	"sync"

	"github.com/bedrisendir/cassandra-capiflash/device"
	"github.com/bedrisendir/cassandra-capiflash/internal/log"
)

// defaultStreamChunkBlocks bounds the size of a single device read while
// assembling a slot's segment into a contiguous buffer (§4.5 step 2):
// "Streaming, rather than single read, bounds device request size."
const defaultStreamChunkBlocks = 8000

// defaultMaxOutstandingApplies is the pending-apply-task bound of §4.5
// step 4.
const defaultMaxOutstandingApplies = 1 << 21

// ReplayerDeps bundles every external collaborator the Replayer needs:
// the host catalog's replay floors and schema, the mutation codec, the
// apply stage, and the chunk to stream un-committed segments from.
type ReplayerDeps struct {
	Reader device.Chunk

	CFs       []CFID
	Positions ReplayPositionSource
	Truncated TruncatedPositionSource // optional
	Schema    SchemaLookup
	Codec     MutationCodec
	Apply     MutationApplier

	// ApplyExecutor is the external mutation-apply executor replay fans
	// surviving mutations out to (§4.5, §9). When it is nil, the replayer
	// runs each apply inline on its own goroutine.
	ApplyExecutor Executor

	// Flush is asked, once per CF that received a replayed mutation,
	// to flush that keyspace (§4.5 "blockForWrites"). It is
	// fire-and-forget by contract (§4.2); a host that can report flush
	// completion synchronously is expected to do so inside its own
	// RequestFlush implementation before returning, since the minimal
	// Flusher interface here has no future to await.
	Flush Flusher

	StreamChunkBlocks     int
	MaxOutstandingApplies int

	// Metrics, if set, is incremented for corrupt frames and
	// missing-CF drops observed while replaying (§7). Optional: a
	// caller exercising the Replayer directly, without a CommitLog
	// facade, may leave this nil.
	Metrics *Metrics
}

func (d ReplayerDeps) streamChunkBlocks() int {
	if d.StreamChunkBlocks > 0 {
		return d.StreamChunkBlocks
	}
	return defaultStreamChunkBlocks
}

func (d ReplayerDeps) maxOutstanding() int {
	if d.MaxOutstandingApplies > 0 {
		return d.MaxOutstandingApplies
	}
	return defaultMaxOutstandingApplies
}

// Replayer is the startup recovery procedure of §4.5: it reads
// un-committed segments, validates framed records with dual checksums,
// filters by per-CF flush positions, and re-applies surviving
// mutations.
type Replayer struct {
	manager *SegmentManager
	deps    ReplayerDeps
	framer  RecordFramer
}

// NewReplayer builds a Replayer against manager's recovery-scan result.
func NewReplayer(manager *SegmentManager, deps ReplayerDeps) *Replayer {
	return &Replayer{manager: manager, deps: deps}
}

// Run executes the full recovery procedure and returns the number of
// mutations delivered to the apply stage.
func (r *Replayer) Run(ctx context.Context) (int64, error) {
	floor := r.globalFloor()
	cfg := r.manager.Config()

	sem := make(chan struct{}, r.deps.maxOutstanding())
	var wg sync.WaitGroup
	var applied int64
	var appliedMu sync.Mutex
	flushedCFs := make(map[CFID]bool)

	slots := r.manager.UnCommittedSlots()
	orderedSlots := make([]int, 0, len(slots))
	for slot := range slots {
		orderedSlots = append(orderedSlots, slot)
	}
	sort.Ints(orderedSlots)

	for _, slot := range orderedSlots {
		segmentID := slots[slot]

		var startOffset int64
		switch {
		case segmentID > floor.SegmentID:
			startOffset = 0
		case segmentID == floor.SegmentID:
			startOffset = floor.BlockOffset
		default:
			continue // entire slot is below the replay floor
		}

		cfsTouched, err := r.replaySlot(ctx, slot, segmentID, startOffset, cfg, sem, &wg, &appliedMu, &applied)
		if err != nil {
			return applied, err
		}
		for cf := range cfsTouched {
			flushedCFs[cf] = true
		}
	}

	return r.blockForWrites(&wg, flushedCFs, applied)
}

// globalFloor computes each CF's already-flushed-through position,
// bumped by any recorded truncation, and returns the elementwise
// minimum across all CFs (§4.5 "Per-CF replay floor").
func (r *Replayer) globalFloor() ReplayPosition {
	if len(r.deps.CFs) == 0 {
		return ReplayPosition{}
	}
	positions := make([]ReplayPosition, 0, len(r.deps.CFs))
	for _, cf := range r.deps.CFs {
		pos := r.deps.Positions.GetReplayPosition(cf)
		if r.deps.Truncated != nil {
			if tp, ok := r.deps.Truncated.GetTruncatedPosition(cf); ok && pos.Less(tp) {
				pos = tp
			}
		}
		positions = append(positions, pos)
	}
	return MinReplayPosition(positions...)
}

// replaySlot streams one slot's segment into memory and walks it
// record by record from startOffset (§4.5 steps 2-3).
func (r *Replayer) replaySlot(
	ctx context.Context,
	slot int,
	segmentID uint64,
	startOffset int64,
	cfg Config,
	sem chan struct{},
	wg *sync.WaitGroup,
	appliedMu *sync.Mutex,
	applied *int64,
) (map[CFID]bool, error) {
	k := cfg.BlocksPerSegment
	buf := make([]byte, k*device.BlockSize)

	chunkBlocks := int64(r.deps.streamChunkBlocks())
	physicalBase := cfg.DataOffset() + int64(slot)*k
	for off := int64(0); off < k; off += chunkBlocks {
		n := chunkBlocks
		if off+n > k {
			n = k - off
		}
		dst := buf[off*device.BlockSize : (off+n)*device.BlockSize]
		if err := r.deps.Reader.ReadBlock(ctx, physicalBase+off, int(n), dst); err != nil {
			return nil, &DeviceIOError{Op: "replay stream", Err: err}
		}
	}

	var validRecords int64
	touchedCFs := make(map[CFID]bool)

	offset := startOffset
	for offset < k {
		result := r.framer.Decode(buf[offset*device.BlockSize:], segmentID)
		switch result.Status {
		case StatusEndOfRecords:
			offset = k // clean tail, stop scanning this slot
		case StatusCorrupt:
			corruptErr := &CorruptFrameError{SlotIndex: slot, Offset: offset, Reason: result.CorruptWhy}
			log.Warn("commitlog: stopping scan of this slot: %v", corruptErr)
			if r.deps.Metrics != nil {
				r.deps.Metrics.CorruptFrames.Inc()
			}
			offset = k
		case StatusValid:
			validRecords++
			// entryLocation is the record's *end* offset, matching
			// FlashBulkReplayer's entryLocation = buffer.position()/4096
			// computed after advancing past the record. A floor value is
			// itself always a record-boundary (end) offset, so comparing
			// against the start offset would wrongly drop the very record
			// startOffset was set up to land on.
			entryLocation := offset + int64(result.BlockCount)
			r.handleValidRecord(ctx, segmentID, entryLocation, result.Payload, sem, wg, appliedMu, applied, touchedCFs)
			offset += int64(result.BlockCount)
		}
	}

	if validRecords == 0 {
		log.Warn("commitlog: slot %d (segment %d) had un-replayed bookkeeping but no valid records were recovered", slot, segmentID)
	}

	return touchedCFs, nil
}

func (r *Replayer) handleValidRecord(
	ctx context.Context,
	segmentID uint64,
	entryLocation int64,
	payload []byte,
	sem chan struct{},
	wg *sync.WaitGroup,
	appliedMu *sync.Mutex,
	applied *int64,
	touchedCFs map[CFID]bool,
) {
	subs, err := r.deps.Codec.Deserialize(payload)
	if err != nil {
		log.Warn("commitlog: failed to deserialize replayed mutation at segment %d offset %d: %v", segmentID, entryLocation, err)
		return
	}

	// entryLocation is the record's end offset (offset + block count), the
	// same quantity FlashBulkReplayer calls entryLocation. A record
	// survives only if entryLocation is strictly past the per-CF floor: a
	// record whose end lands exactly on the floor is already fully
	// covered by what was flushed.
	recordPos := ReplayPosition{SegmentID: segmentID, BlockOffset: entryLocation}

	var survivors []SubMutation
	for _, sub := range subs {
		if !r.deps.Schema.Exists(sub.CF) {
			if r.deps.Metrics != nil {
				r.deps.Metrics.InvalidMutations.Inc()
			}
			continue // dropped: missing CF (§7)
		}
		floor := r.deps.Positions.GetReplayPosition(sub.CF)
		if r.deps.Truncated != nil {
			if tp, ok := r.deps.Truncated.GetTruncatedPosition(sub.CF); ok && floor.Less(tp) {
				floor = tp
			}
		}
		if floor.Less(recordPos) {
			survivors = append(survivors, sub)
			touchedCFs[sub.CF] = true
		}
	}

	if len(survivors) == 0 {
		return
	}

	mutation := r.deps.Codec.Rebuild(survivors)

	sem <- struct{}{}
	wg.Add(1)
	submit := func() {
		defer wg.Done()
		defer func() { <-sem }()
		if err := r.deps.Apply.Apply(ctx, mutation); err != nil {
			log.Error("commitlog: replay apply failed for segment %d offset %d: %v", segmentID, entryLocation, err)
			return
		}
		appliedMu.Lock()
		*applied++
		appliedMu.Unlock()
	}
	if r.deps.ApplyExecutor != nil {
		r.deps.ApplyExecutor.Submit(submit)
	} else {
		submit()
	}
}

// blockForWrites awaits every outstanding apply task, then requests a
// flush of each keyspace that received a replayed mutation (§4.5).
func (r *Replayer) blockForWrites(wg *sync.WaitGroup, flushedCFs map[CFID]bool, applied int64) (int64, error) {
	wg.Wait()
	if r.deps.Flush != nil {
		for cf := range flushedCFs {
			r.deps.Flush.RequestFlush(cf)
		}
	}
	return applied, nil
}
