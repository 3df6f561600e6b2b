// Package device defines the block device contract the commit log is
// built on (§6 of the spec: an external collaborator) and ships one
// reference implementation over a regular file for tests and the
// bench binary.
package device

import "context"

// BlockSize is the fixed block granularity every device operation works
// in. All offsets and lengths below are expressed in blocks, never bytes.
const BlockSize = 4096

// Future is returned by WriteBlockAsync; Wait blocks until the write
// lands and returns any error encountered.
type Future interface {
	Wait() error
}

// Chunk is a handle to one region of I/O on a device: a sequence of
// blocks addressable by absolute block number.
type Chunk interface {
	// ReadBlock reads count blocks starting at startLBA into buf, which
	// must be exactly count*BlockSize bytes.
	ReadBlock(ctx context.Context, startLBA int64, count int, buf []byte) error

	// WriteBlock writes count blocks starting at startLBA from buf,
	// which must be exactly count*BlockSize bytes, and blocks until
	// the write is durable.
	WriteBlock(ctx context.Context, startLBA int64, count int, buf []byte) error

	// WriteBlockAsync behaves like WriteBlock but returns immediately;
	// the caller must Wait on the returned Future before relying on
	// durability.
	WriteBlockAsync(ctx context.Context, startLBA int64, count int, buf []byte) (Future, error)

	Close() error
}

// BlockDevice names one or more backing devices and opens Chunks
// against them. Workers open one chunk per device at startup and keep
// it for the lifetime of the process (§5: resource policy).
type BlockDevice interface {
	// OpenChunk opens a handle to the named device. maxAsync bounds the
	// number of outstanding WriteBlockAsync operations the chunk will
	// allow before WriteBlockAsync itself blocks.
	OpenChunk(deviceName string, maxAsync int) (Chunk, error)
}
