package cmd

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gleandb/glean/bench"
	"github.com/gleandb/glean/engine"
	"github.com/gleandb/glean/thread"
)

var (
	benchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Run the TPC-B workload against a fresh engine",
		RunE:  benchRun,
	}

	benchThreads   = 4
	benchXcts      = 100
	benchContended = true
	benchSnapshot  = false
	benchSeed      = int64(42)
)

func init() {
	fs := benchCmd.Flags()
	fs.IntVar(&benchThreads, "threads", benchThreads, "worker threads")
	fs.IntVar(&benchXcts, "xcts", benchXcts, "transactions per thread")
	fs.BoolVar(&benchContended, "contended", benchContended,
		"threads hit random accounts across the whole range")
	fs.BoolVar(&benchSnapshot, "snapshot", benchSnapshot,
		"trigger a snapshot cycle after the run")
	fs.Int64Var(&benchSeed, "seed", benchSeed, "random seed")

	gleanCmd.AddCommand(benchCmd)
}

func benchRun(cmd *cobra.Command, args []string) error {
	opts := engineOptions()
	if opts.ThreadsPerNode*opts.Nodes < benchThreads {
		opts.ThreadsPerNode = (benchThreads + opts.Nodes - 1) / opts.Nodes
	}

	e, err := engine.New(opts)
	if err != nil {
		return err
	}
	err = e.Start()
	if err != nil {
		return err
	}
	defer e.Stop()

	tp, err := bench.Setup(e, e.Thread(0))
	if err != nil {
		return err
	}

	workers := make([]*thread.Thread, benchThreads)
	for i := range workers {
		workers[i] = e.Thread(uint16(i))
	}

	start := time.Now()
	lastEpoch, err := tp.Run(workers, benchXcts, benchContended, benchSeed)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	err = e.WaitForCommit(lastEpoch)
	if err != nil {
		return err
	}

	err = tp.Verify(e.Thread(0))
	if err != nil {
		return fmt.Errorf("glean: balance verification failed: %s", err)
	}

	total := benchThreads * benchXcts
	fmt.Printf("%s: %d transactions in %s (%.0f/sec), all balances verified\n",
		tp, total, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds())

	if benchSnapshot {
		err = e.SnapshotManager().TriggerSnapshot()
		if err != nil {
			return err
		}
		snap := e.SnapshotManager().Latest()
		if snap != nil {
			log.WithFields(log.Fields{
				"snapshot":    snap.ID,
				"valid_until": snap.ValidUntil,
			}).Info("snapshot completed")
			fmt.Printf("snapshot %d complete, valid until epoch %d\n",
				snap.ID, snap.ValidUntil)
		}
	}
	return nil
}
