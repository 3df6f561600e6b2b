package device_test

import (
	"context"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/bedrisendir/cassandra-capiflash/commitlog"
	"github.com/bedrisendir/cassandra-capiflash/device"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&BlockDeviceSuite{})

type BlockDeviceSuite struct{}

func (s *BlockDeviceSuite) TestReadWriteRoundTrip(c *C) {
	bd := device.NewFileBlockDevice(c.MkDir())
	chunk, err := bd.OpenChunk("log.device", 1)
	c.Assert(err, IsNil)

	want := make([]byte, device.BlockSize*2)
	for i := range want {
		want[i] = byte(i)
	}

	ctx := context.Background()
	c.Assert(chunk.WriteBlock(ctx, 10, 2, want), IsNil)

	got := make([]byte, device.BlockSize*2)
	c.Assert(chunk.ReadBlock(ctx, 10, 2, got), IsNil)
	c.Assert(got, DeepEquals, want)
}

func (s *BlockDeviceSuite) TestWriteBlockAsyncWaitReportsCompletion(c *C) {
	bd := device.NewFileBlockDevice(c.MkDir())
	chunk, err := bd.OpenChunk("log.device", 2)
	c.Assert(err, IsNil)

	buf := make([]byte, device.BlockSize)
	fut, err := chunk.WriteBlockAsync(context.Background(), 0, 1, buf)
	c.Assert(err, IsNil)
	c.Assert(fut.Wait(), IsNil)
}

func (s *BlockDeviceSuite) TestMmapBookkeepingRoundTripsThroughTheFileHandle(c *C) {
	dir := c.MkDir()
	bd := device.NewFileBlockDevice(dir)
	_, err := bd.OpenChunk("bk.device", 1)
	c.Assert(err, IsNil)

	region, err := device.MmapBookkeeping(bd, "bk.device", 4)
	c.Assert(err, IsNil)
	defer region.Unmap()

	copy(region, []byte{1, 2, 3, 4})
	c.Assert(region.Flush(), IsNil)

	chunk, err := bd.OpenChunk("bk.device", 1)
	c.Assert(err, IsNil)
	got := make([]byte, device.BlockSize)
	c.Assert(chunk.ReadBlock(context.Background(), 0, 1, got), IsNil)
	c.Assert(got[:4], DeepEquals, []byte{1, 2, 3, 4})
}

// TestWorkerPoolQueueIsFullOnlyWhenAllWorkersIdle exercises the
// queue-as-semaphore pattern the AppendWorker pool is built on: the
// queue reports full exactly when every borrowed worker has been
// returned, and AwaitIdle blocks until that happens.
func (s *BlockDeviceSuite) TestWorkerPoolQueueIsFullOnlyWhenAllWorkersIdle(c *C) {
	bd := device.NewFileBlockDevice(c.MkDir())
	pool, err := commitlog.NewWorkerPool(bd, []string{"log.device"}, 2, 256)
	c.Assert(err, IsNil)

	w := pool.Borrow()

	idle := make(chan struct{})
	go func() {
		pool.AwaitIdle()
		close(idle)
	}()

	select {
	case <-idle:
		c.Fatal("AwaitIdle returned while a worker was still borrowed")
	case <-time.After(20 * time.Millisecond):
	}

	pool.Return(w)

	select {
	case <-idle:
	case <-time.After(time.Second):
		c.Fatal("AwaitIdle did not return after the last worker was returned")
	}
}
