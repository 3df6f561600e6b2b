package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/bedrisendir/cassandra-capiflash/internal/log"
)

// FileBlockDevice backs BlockDevice with regular files, one per device
// name, each opened once and kept for the process lifetime. It is not a
// flash driver: it is the stand-in the spec calls for at its boundary so
// the rest of the module has something concrete to run against (buffile
// does the same job for marketstore's on-disk store).
type FileBlockDevice struct {
	mu    sync.Mutex
	files map[string]*os.File
	dir   string
}

// NewFileBlockDevice returns a device whose files live inside dir. No
// file is opened here: OpenChunk opens or creates a device's file on
// first use, and never truncates or extends it.
func NewFileBlockDevice(dir string) *FileBlockDevice {
	return &FileBlockDevice{
		files: make(map[string]*os.File),
		dir:   dir,
	}
}

func (d *FileBlockDevice) OpenChunk(deviceName string, maxAsync int) (Chunk, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fp, ok := d.files[deviceName]
	if !ok {
		path := deviceName
		if d.dir != "" {
			path = d.dir + "/" + deviceName
		}
		var err error
		fp, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open block device %s: %w", deviceName, err)
		}
		d.files[deviceName] = fp
	}
	if maxAsync <= 0 {
		maxAsync = 1
	}
	return &fileChunk{
		fp:     fp,
		tokens: make(chan struct{}, maxAsync),
	}, nil
}

// Close closes every file opened so far. Called once at shutdown.
func (d *FileBlockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for name, fp := range d.files {
		if err := fp.Close(); err != nil && first == nil {
			first = fmt.Errorf("close block device %s: %w", name, err)
		}
	}
	return first
}

type fileChunk struct {
	fp     *os.File
	tokens chan struct{}
}

func (c *fileChunk) ReadBlock(_ context.Context, startLBA int64, count int, buf []byte) error {
	if len(buf) != count*BlockSize {
		return fmt.Errorf("read buffer size %d does not match %d blocks", len(buf), count)
	}
	n, err := c.fp.ReadAt(buf, startLBA*BlockSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read block %d+%d: %w", startLBA, count, err)
	}
	// A block past the current end of the backing file has never been
	// written; an un-programmed block reads back as zero the same way a
	// free bookkeeping slot does (§3), so pad whatever ReadAt didn't
	// return instead of treating a short read at EOF as an I/O failure.
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (c *fileChunk) WriteBlock(_ context.Context, startLBA int64, count int, buf []byte) error {
	if len(buf) != count*BlockSize {
		return fmt.Errorf("write buffer size %d does not match %d blocks", len(buf), count)
	}
	n, err := c.fp.WriteAt(buf, startLBA*BlockSize)
	if err != nil {
		return fmt.Errorf("write block %d+%d: %w", startLBA, count, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write at block %d: wrote %d of %d bytes", startLBA, n, len(buf))
	}
	return c.fp.Sync()
}

type fileWriteFuture struct {
	err  error
	done chan struct{}
}

func (f *fileWriteFuture) Wait() error {
	<-f.done
	return f.err
}

func (c *fileChunk) WriteBlockAsync(ctx context.Context, startLBA int64, count int, buf []byte) (Future, error) {
	select {
	case c.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	fut := &fileWriteFuture{done: make(chan struct{})}
	go func() {
		defer func() { <-c.tokens }()
		defer close(fut.done)
		fut.err = c.WriteBlock(ctx, startLBA, count, buf)
	}()
	return fut, nil
}

func (c *fileChunk) Close() error {
	// The underlying *os.File is shared across chunks opened against the
	// same device name and is closed once by FileBlockDevice.Close.
	return nil
}

// MmapBookkeeping memory-maps the first n blocks of the file named by
// deviceName for the bookkeeping region fast path: repeated small writes
// to a handful of blocks that are read in full at every startup scan.
// Grounded on the mmap-backed segment header writes used elsewhere in
// the retrieval pack for small hot metadata regions.
func MmapBookkeeping(d *FileBlockDevice, deviceName string, blocks int) (mmap.MMap, error) {
	d.mu.Lock()
	fp, ok := d.files[deviceName]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mmap bookkeeping: device %s not open", deviceName)
	}
	size := int64(blocks * BlockSize)
	if st, err := fp.Stat(); err != nil {
		return nil, fmt.Errorf("stat bookkeeping device: %w", err)
	} else if st.Size() < size {
		if err := fp.Truncate(size); err != nil {
			return nil, fmt.Errorf("grow bookkeeping device: %w", err)
		}
	}
	m, err := mmap.MapRegion(fp, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		log.Warn("mmap bookkeeping region on %s failed, falling back to read/write: %v", deviceName, err)
		return nil, err
	}
	return m, nil
}
