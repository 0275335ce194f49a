// Package engine provides the owning root of the database: it builds and
// wires the epoch clock, page pools, log manager, storage manager,
// transaction manager, and snapshot manager, and controls their
// lifecycle. Every other component holds non-owning handles.
package engine

import (
	"fmt"
	"time"

	"github.com/gleandb/glean/flags"
	"github.com/gleandb/glean/snapshot"
)

// Options configures an engine instance.
type Options struct {
	// LogFolder holds the per-node redo log directories.
	LogFolder string

	// Nodes is the number of NUMA nodes to partition pools, loggers, and
	// snapshot workers across.
	Nodes int

	// ThreadsPerNode is how many execution contexts each node gets.
	ThreadsPerNode int

	// PoolPagesPerNode sizes each node's volatile page pool.
	PoolPagesPerNode uint32

	// MaxReadSetSize and MaxWriteSetSize cap per-transaction tracking;
	// exhaustion aborts the transaction.
	MaxReadSetSize  int
	MaxWriteSetSize int

	// LocalWorkMemoryBytes sizes each transaction's bump allocator.
	LocalWorkMemoryBytes int

	// OrdinalCap bounds the per-epoch ordinal space; the default is the
	// full 24-bit space. Tests shrink it to exercise epoch rollover.
	OrdinalCap uint32

	// EpochQuantum is the period of the time-based epoch advance.
	EpochQuantum time.Duration

	// LogFlushInterval is the period of the log flush daemon.
	LogFlushInterval time.Duration

	Snapshot snapshot.Options
	Flags    flags.Flags
}

func DefaultOptions() Options {
	return Options{
		LogFolder:            "glean_logs",
		Nodes:                1,
		ThreadsPerNode:       4,
		PoolPagesPerNode:     1 << 14,
		MaxReadSetSize:       4096,
		MaxWriteSetSize:      1024,
		LocalWorkMemoryBytes: 1 << 20,
		EpochQuantum:         20 * time.Millisecond,
		LogFlushInterval:     10 * time.Millisecond,
		Snapshot:             snapshot.DefaultOptions(),
		Flags:                flags.Default(),
	}
}

func (opts *Options) verify() error {
	if opts.Nodes < 1 {
		return fmt.Errorf("engine: at least one node required")
	}
	if opts.Nodes > 256 {
		return fmt.Errorf("engine: at most 256 nodes supported")
	}
	if opts.ThreadsPerNode < 1 {
		return fmt.Errorf("engine: at least one thread per node required")
	}
	if opts.PoolPagesPerNode < 16 {
		return fmt.Errorf("engine: page pool too small: %d pages", opts.PoolPagesPerNode)
	}
	if opts.MaxReadSetSize < 1 || opts.MaxWriteSetSize < 1 {
		return fmt.Errorf("engine: read/write set caps must be positive")
	}
	return nil
}
