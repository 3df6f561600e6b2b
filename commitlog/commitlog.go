// Package commitlog implements the flash-backed write-ahead commit log:
// the segment ring, the bounded append pipeline, and startup replay
// described across this repository's design documents.
package commitlog

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bedrisendir/cassandra-capiflash/device"
	"github.com/bedrisendir/cassandra-capiflash/internal/log"
)

// CommitLog is the facade described in §4.4: it accepts mutations,
// coordinates worker borrow/return, exposes the replay position, and
// discards flushed segments. A cyclic-ownership tree, not a graph: the
// facade owns the manager, which owns segments; segments hold no
// back-reference, and workers hold independent chunk handles (§9).
type CommitLog struct {
	id uuid.UUID

	cfg     Config
	manager *SegmentManager
	workers *WorkerPool
	bk      device.Chunk
	metrics *Metrics

	shutdown atomic.Bool
}

// Open constructs a CommitLog: it opens the bookkeeping chunk and the
// worker pool and runs the segment manager's recovery scan, but does
// not replay — call Recover for that before accepting new appends
// (§4.5: "driven at startup ... before the log accepts any new
// appends").
func Open(cfg Config, bd device.BlockDevice, flush Flusher, valve Executor, metrics *Metrics) (*CommitLog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bkChunk, err := bd.OpenChunk(cfg.Devices[0], 1)
	if err != nil {
		return nil, fmt.Errorf("commitlog: open bookkeeping chunk: %w", err)
	}

	manager, err := NewSegmentManager(cfg, bkChunk, flush, valve)
	if err != nil {
		return nil, err
	}

	workers, err := NewWorkerPool(bd, cfg.Devices, cfg.Threads, cfg.BufferBlocks())
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	cl := &CommitLog{
		id:      uuid.New(),
		cfg:     cfg,
		manager: manager,
		workers: workers,
		bk:      bkChunk,
		metrics: metrics,
	}
	metrics.SegmentsActive.Set(0)
	metrics.FreeListSize.Set(float64(manager.FreeListLen()))
	return cl, nil
}

// ID identifies this CommitLog instance for diagnostics, replacing the
// teacher pattern's implicit process-wide singleton with an explicit,
// once-constructed handle (§9 "Global singleton").
func (cl *CommitLog) ID() uuid.UUID { return cl.id }

// Add computes the framed size of mutation, rejects it if it would
// exceed either the per-segment or per-worker-buffer block cap,
// borrows a worker, allocates space, submits the write, waits for
// completion, and returns the active segment's replay position
// (§4.4 "add").
func (cl *CommitLog) Add(ctx context.Context, cf CFID, mutation Mutation) (ReplayPosition, error) {
	if cl.shutdown.Load() {
		return ReplayPosition{}, ErrShutdown
	}

	payload := mutation.Serialize()
	blockCount := BlockCountFor(len(payload))
	bufferCap := cl.cfg.BufferBlocks()
	segmentCap := int(cl.cfg.BlocksPerSegment)
	if blockCount > segmentCap || blockCount > bufferCap {
		limit := segmentCap
		if bufferCap < limit {
			limit = bufferCap
		}
		err := &RecordTooLargeError{BlockCount: blockCount, Limit: limit}
		log.Error("commitlog: rejecting oversize mutation for cf %d: %v", cf, err)
		cl.metrics.OversizeRejected.Inc()
		return ReplayPosition{}, err
	}

	timer := cl.metrics.StartAppendTimer()
	defer timer()

	worker := cl.workers.Borrow()
	defer cl.workers.Return(worker)

	rec, err := cl.manager.Allocate(blockCount, cf)
	if err != nil {
		return ReplayPosition{}, err
	}

	if err := worker.write(ctx, cl.cfg.DataOffset(), cl.cfg.BlocksPerSegment, rec, payload); err != nil {
		// Device I/O failure during append is fatal to the log (§7).
		log.Error("commitlog: fatal device error during append: %v", err)
		cl.shutdown.Store(true)
		return ReplayPosition{}, err
	}

	cl.metrics.FreeListSize.Set(float64(cl.manager.FreeListLen()))
	cl.metrics.SegmentsActive.Set(float64(len(cl.manager.ActiveSegments())))

	return cl.manager.ActiveReplayPosition(), nil
}

// GetContext awaits idle and returns the active segment's replay
// position (§4.4 "getContext").
func (cl *CommitLog) GetContext() ReplayPosition {
	cl.workers.AwaitIdle()
	return cl.manager.ActiveReplayPosition()
}

// FreeSegments reports the number of free slots in the segment ring,
// for callers that want to watch the emergency-valve threshold
// themselves instead of relying solely on the FreeListSize metric.
func (cl *CommitLog) FreeSegments() int {
	return cl.manager.FreeListLen()
}

// PendingTasks reports the number of appends currently borrowed from
// the worker pool and in flight.
func (cl *CommitLog) PendingTasks() int {
	return cl.workers.PendingTasks()
}

// DiscardCompletedSegments waits until all workers are idle, then
// walks active segments oldest-first marking cf clean up through
// replayPosition, recycling any segment that becomes unused and is not
// the most recent, and stops after the segment containing
// replayPosition (§4.4).
func (cl *CommitLog) DiscardCompletedSegments(cf CFID, replayPosition ReplayPosition) error {
	cl.workers.AwaitIdle()

	segments := cl.manager.ActiveSegments()
	for i, seg := range segments {
		cl.manager.MarkClean(seg, cf, replayPosition)

		last := i == len(segments)-1
		if seg.isUnused() && !last {
			if err := cl.manager.RecycleSegment(seg); err != nil {
				return err
			}
		}

		if seg.ID == replayPosition.SegmentID {
			break
		}
	}

	cl.metrics.FreeListSize.Set(float64(cl.manager.FreeListLen()))
	cl.metrics.SegmentsActive.Set(float64(len(cl.manager.ActiveSegments())))
	return nil
}

// ForceRecycleAllSegments recycles every now-unused segment other than
// the active one, with no CF dropped, the common case once every
// keyspace has already been flushed and discardCompletedSegments has
// run (§4.4).
func (cl *CommitLog) ForceRecycleAllSegments() error {
	return cl.ForceRecycleDroppedSegments(nil)
}

// ForceRecycleDroppedSegments marks every segment clean for each
// dropped CF and recycles every now-unused segment other than the
// active one (§4.4).
func (cl *CommitLog) ForceRecycleDroppedSegments(droppedCFs []CFID) error {
	cl.workers.AwaitIdle()
	return cl.manager.ForceRecycleAll(droppedCFs)
}

// Recover constructs a Replayer against the segment manager, runs it,
// recycles the replayed slots, and returns the number of mutations
// delivered to the apply stage (§4.4 "recover").
func (cl *CommitLog) Recover(ctx context.Context, r ReplayerDeps) (int64, error) {
	if r.Metrics == nil {
		r.Metrics = cl.metrics
	}
	replayer := NewReplayer(cl.manager, r)
	count, err := replayer.Run(ctx)
	if err != nil {
		return count, err
	}
	if err := cl.manager.RecycleAfterReplay(); err != nil {
		return count, err
	}
	cl.metrics.ReplayedRecords.Add(float64(count))
	cl.metrics.FreeListSize.Set(float64(cl.manager.FreeListLen()))
	return count, nil
}

// Shutdown stops accepting new work, waits for in-flight appends to
// finish, and closes every worker chunk and the bookkeeping chunk
// (§4.4 "shutdown").
func (cl *CommitLog) Shutdown() error {
	cl.shutdown.Store(true)
	cl.workers.AwaitIdle()

	var first error
	if err := cl.workers.Close(); err != nil {
		first = err
	}
	if err := cl.bk.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
