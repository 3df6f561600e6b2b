package commitlog

import (
	"context"
	"fmt"

	"github.com/bedrisendir/cassandra-capiflash/device"
	"github.com/bedrisendir/cassandra-capiflash/internal/pool"
)

// AppendWorker is one pre-constructed slot of the pool described in
// §4.3: an owned device chunk and a staging buffer, reused for every
// append it is handed.
type AppendWorker struct {
	id     int
	chunk  device.Chunk
	buffer []byte
	framer RecordFramer
}

func newAppendWorker(id int, chunk device.Chunk, bufferBlocks int) *AppendWorker {
	return &AppendWorker{
		id:     id,
		chunk:  chunk,
		buffer: make([]byte, bufferBlocks*device.BlockSize),
	}
}

// write serializes payload into the worker's staging buffer under
// rec.SegmentID's framing and writes it to the worker's device chunk at
// the physical block address derived from rec (§4.3 "Worker operation").
func (w *AppendWorker) write(ctx context.Context, dataOffset int64, blocksPerSegment int64, rec FlashRecordKeeper, payload []byte) error {
	blockCount, err := w.framer.Encode(rec.SegmentID, payload, w.buffer)
	if err != nil {
		return err
	}
	if blockCount != rec.BlockCount {
		return fmt.Errorf("commitlog: encoded %d blocks but allocation reserved %d", blockCount, rec.BlockCount)
	}

	physical := dataOffset + int64(rec.SegmentSlot)*blocksPerSegment + rec.StartingBlock
	if err := w.chunk.WriteBlock(ctx, physical, blockCount, w.buffer[:blockCount*device.BlockSize]); err != nil {
		return &DeviceIOError{Op: "append write", Err: err}
	}
	return nil
}

// WorkerPool is the fixed-size pool of §4.3: a bounded queue of
// pre-constructed workers that doubles as a semaphore on in-flight
// appends.
type WorkerPool struct {
	queue   *pool.Queue[*AppendWorker]
	workers []*AppendWorker
}

// NewWorkerPool opens threads device chunks, pinning workers to devices
// round-robin, and builds a bounded queue of size threads (§4.3).
func NewWorkerPool(bd device.BlockDevice, devices []string, threads int, bufferBlocks int) (*WorkerPool, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("commitlog: at least one device is required to build a worker pool")
	}
	workers := make([]*AppendWorker, threads)
	for i := 0; i < threads; i++ {
		devName := devices[i%len(devices)]
		chunk, err := bd.OpenChunk(devName, 1)
		if err != nil {
			return nil, fmt.Errorf("commitlog: open chunk for worker %d on %s: %w", i, devName, err)
		}
		workers[i] = newAppendWorker(i, chunk, bufferBlocks)
	}
	return &WorkerPool{
		queue:   pool.New(workers),
		workers: workers,
	}, nil
}

// Borrow takes an idle worker, blocking until one is returned if the
// pool is exhausted.
func (p *WorkerPool) Borrow() *AppendWorker { return p.queue.Borrow() }

// Return hands a worker back to the pool.
func (p *WorkerPool) Return(w *AppendWorker) { p.queue.Return(w) }

// AwaitIdle blocks until every worker is idle, i.e. no append is in
// flight (§4.4 "Queue-full wait protocol").
func (p *WorkerPool) AwaitIdle() { p.queue.AwaitFull() }

// Size returns the configured worker count (T).
func (p *WorkerPool) Size() int { return p.queue.Size() }

// PendingTasks reports the number of appends currently in flight:
// threads minus however many workers are sitting idle in the queue.
func (p *WorkerPool) PendingTasks() int { return p.queue.Size() - p.queue.Len() }

// Close closes every worker's device chunk, for shutdown.
func (p *WorkerPool) Close() error {
	var first error
	for _, w := range p.workers {
		if err := w.chunk.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
