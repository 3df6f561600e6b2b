// Command flashlogbench wires a commitlog.CommitLog against a
// file-backed device.BlockDevice, appends a burst of synthetic
// mutations, and then shuts the log down; it does not run recovery.
// It exists to give the core something to run under
// outside of its own test suite, the way the teacher's cmd/tool
// subcommands exercise executor internals directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bedrisendir/cassandra-capiflash/commitlog"
	"github.com/bedrisendir/cassandra-capiflash/device"
	"github.com/bedrisendir/cassandra-capiflash/internal/log"
)

type syntheticMutation struct{ payload []byte }

func (m syntheticMutation) Serialize() []byte { return m.payload }

type noopFlusher struct{}

func (noopFlusher) RequestFlush(commitlog.CFID) {}

type inlineExecutor struct{}

func (inlineExecutor) Submit(task func()) { task() }

func main() {
	var (
		dir        = flag.String("dir", "", "directory to hold device files (required)")
		maxSegs    = flag.Int("max-segments", 8, "segment ring size (N)")
		blocksPer  = flag.Int64("blocks-per-segment", 32*1024, "blocks per segment (K)")
		threads    = flag.Int("threads", 4, "worker count (T)")
		bufferMiB  = flag.Int("buffer-mib", 1, "per-worker staging buffer size in MiB")
		count      = flag.Int("count", 1000, "number of synthetic mutations to append")
		payloadLen = flag.Int("payload-bytes", 256, "payload size of each synthetic mutation")
	)
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "flashlogbench: -dir is required")
		os.Exit(2)
	}
	if err := log.Init(log.Development); err != nil {
		fmt.Fprintln(os.Stderr, "flashlogbench: init logging:", err)
		os.Exit(1)
	}

	cfg := commitlog.Config{
		Devices:          []string{"flashlog.device"},
		StartOffset:      0,
		MaxSegments:      *maxSegs,
		BlocksPerSegment: *blocksPer,
		Threads:          *threads,
		BufferMiB:        *bufferMiB,
		EmergencyValve:   0.25,
	}

	bd := device.NewFileBlockDevice(*dir)
	defer bd.Close()

	cl, err := commitlog.Open(cfg, bd, noopFlusher{}, inlineExecutor{}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flashlogbench: open commit log:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	for i := 0; i < *count; i++ {
		payload := make([]byte, *payloadLen)
		for j := range payload {
			payload[j] = byte(i + j)
		}
		pos, err := cl.Add(ctx, commitlog.CFID(i%4), syntheticMutation{payload: payload})
		if err != nil {
			fmt.Fprintln(os.Stderr, "flashlogbench: append failed:", err)
			os.Exit(1)
		}
		if i%100 == 0 {
			fmt.Printf("appended %d mutations, replay position now (%d,%d)\n", i+1, pos.SegmentID, pos.BlockOffset)
		}
	}

	if err := cl.Shutdown(); err != nil {
		fmt.Fprintln(os.Stderr, "flashlogbench: shutdown:", err)
		os.Exit(1)
	}
	fmt.Println("done")
}
