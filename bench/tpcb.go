// Package bench implements a small TPC-B workload over the engine:
// branch/teller/account balances in array storages and the history in a
// sequential storage. The end-to-end tests and the bench command both
// drive it.
package bench

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"github.com/gleandb/glean/engine"
	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/storage/array"
	"github.com/gleandb/glean/storage/seq"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

const (
	Branches          = 8
	TellersPerBranch  = 2
	AccountsPerBranch = 4

	InitialAccountBalance = 100
	InitialTellerBalance  = InitialAccountBalance * (AccountsPerBranch / TellersPerBranch)
	InitialBranchBalance  = InitialAccountBalance * AccountsPerBranch

	AmountFrom = 1
	AmountTo   = 20

	// Record sizes mirror the canonical layout: a balance plus filler to
	// make each row at least 100 bytes.
	branchRecordSize  = 8 + 96
	tellerRecordSize  = 8 + 8 + 88
	accountRecordSize = 8 + 8 + 88

	historyPayloadSize = 8 + 8 + 8 + 8 + 24
)

// Tpcb holds the four TPC-B storages.
type Tpcb struct {
	engine    *engine.Engine
	branches  *array.Storage
	tellers   *array.Storage
	accounts  *array.Storage
	histories *seq.Storage
}

// Setup creates and populates the TPC-B tables using t.
func Setup(e *engine.Engine, t *thread.Thread) (*Tpcb, error) {
	tp := &Tpcb{engine: e}

	var err error
	tp.branches, err = e.CreateArrayStorage("branches", branchRecordSize, Branches)
	if err != nil {
		return nil, err
	}
	tp.tellers, err = e.CreateArrayStorage("tellers", tellerRecordSize,
		Branches*TellersPerBranch)
	if err != nil {
		return nil, err
	}
	tp.accounts, err = e.CreateArrayStorage("accounts", accountRecordSize,
		Branches*AccountsPerBranch)
	if err != nil {
		return nil, err
	}
	tp.histories, err = e.CreateSeqStorage("histories")
	if err != nil {
		return nil, err
	}

	_, err = e.RunXct(t, func(t *thread.Thread) errcode.ErrorCode {
		for i := uint64(0); i < Branches; i++ {
			code := tp.branches.OverwriteInt64(t, i, 0, InitialBranchBalance)
			if code != errcode.Ok {
				return code
			}
		}
		return errcode.Ok
	})
	if err != nil {
		return nil, err
	}
	_, err = e.RunXct(t, func(t *thread.Thread) errcode.ErrorCode {
		for i := uint64(0); i < Branches*TellersPerBranch; i++ {
			code := tp.tellers.OverwriteUint64(t, i, 0, i/TellersPerBranch)
			if code != errcode.Ok {
				return code
			}
			code = tp.tellers.OverwriteInt64(t, i, 8, InitialTellerBalance)
			if code != errcode.Ok {
				return code
			}
		}
		return errcode.Ok
	})
	if err != nil {
		return nil, err
	}
	_, err = e.RunXct(t, func(t *thread.Thread) errcode.ErrorCode {
		for i := uint64(0); i < Branches*AccountsPerBranch; i++ {
			code := tp.accounts.OverwriteUint64(t, i, 0, i/AccountsPerBranch)
			if code != errcode.Ok {
				return code
			}
			code = tp.accounts.OverwriteInt64(t, i, 8, InitialAccountBalance)
			if code != errcode.Ok {
				return code
			}
		}
		return errcode.Ok
	})
	if err != nil {
		return nil, err
	}
	return tp, nil
}

func encodeHistory(account, teller, branch uint64, amount int64) []byte {
	payload := make([]byte, historyPayloadSize)
	binary.LittleEndian.PutUint64(payload[0:], account)
	binary.LittleEndian.PutUint64(payload[8:], teller)
	binary.LittleEndian.PutUint64(payload[16:], branch)
	binary.LittleEndian.PutUint64(payload[24:], uint64(amount))
	return payload
}

// RunOne executes one TPC-B transaction against the given account,
// returning its commit epoch.
func (tp *Tpcb) RunOne(t *thread.Thread, account uint64, amount int64) (epoch.Epoch, error) {
	branch := account / AccountsPerBranch
	teller := branch*TellersPerBranch + account%TellersPerBranch
	return tp.engine.RunXct(t, func(t *thread.Thread) errcode.ErrorCode {
		_, code := tp.branches.Increment(t, branch, 0, amount)
		if code != errcode.Ok {
			return code
		}
		_, code = tp.tellers.Increment(t, teller, 8, amount)
		if code != errcode.Ok {
			return code
		}
		_, code = tp.accounts.Increment(t, account, 8, amount)
		if code != errcode.Ok {
			return code
		}
		return tp.histories.Append(t, encodeHistory(account, teller, branch, amount))
	})
}

// Run executes xctsPerThread transactions on each of the given threads.
// With contended true every thread hits random accounts across the whole
// range; otherwise accounts are partitioned per thread.
func (tp *Tpcb) Run(threads []*thread.Thread, xctsPerThread int, contended bool,
	seed int64) (epoch.Epoch, error) {

	var mutex sync.Mutex
	var lastEpoch epoch.Epoch
	var firstErr error

	var wg sync.WaitGroup
	for i, t := range threads {
		wg.Add(1)
		go func(i int, t *thread.Thread) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed + int64(i)))
			total := uint64(Branches * AccountsPerBranch)
			for n := 0; n < xctsPerThread; n++ {
				var account uint64
				if contended {
					account = uint64(rng.Intn(int(total)))
				} else {
					per := total / uint64(len(threads))
					account = uint64(i)*per + uint64(rng.Intn(int(per)))
				}
				amount := int64(AmountFrom + rng.Intn(AmountTo-AmountFrom+1))
				commitEpoch, err := tp.RunOne(t, account, amount)
				mutex.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				lastEpoch = epoch.Max(lastEpoch, commitEpoch)
				mutex.Unlock()
				if err != nil {
					return
				}
			}
		}(i, t)
	}
	wg.Wait()
	return lastEpoch, firstErr
}

// Sums aggregates the history storage per branch, teller, and account.
type Sums struct {
	PerBranch  map[uint64]int64
	PerTeller  map[uint64]int64
	PerAccount map[uint64]int64
	Count      int
}

// HistorySums scans the history inside a read-only transaction.
func (tp *Tpcb) HistorySums(t *thread.Thread) (*Sums, error) {
	sums := &Sums{
		PerBranch:  map[uint64]int64{},
		PerTeller:  map[uint64]int64{},
		PerAccount: map[uint64]int64{},
	}
	err := tp.engine.RunReadOnlyXct(t, func(t *thread.Thread) errcode.ErrorCode {
		return tp.histories.Scan(t, tp.engine.Clock().Current(),
			func(id xct.XctId, payload []byte) errcode.ErrorCode {
				account := binary.LittleEndian.Uint64(payload[0:])
				teller := binary.LittleEndian.Uint64(payload[8:])
				branch := binary.LittleEndian.Uint64(payload[16:])
				amount := int64(binary.LittleEndian.Uint64(payload[24:]))
				sums.PerAccount[account] += amount
				sums.PerTeller[teller] += amount
				sums.PerBranch[branch] += amount
				sums.Count++
				return errcode.Ok
			})
	})
	if err != nil {
		return nil, err
	}
	return sums, nil
}

// Verify checks the TPC-B balance invariants: for every branch, teller,
// and account, final balance equals initial balance plus the history
// amounts charged to it.
func (tp *Tpcb) Verify(t *thread.Thread) error {
	sums, err := tp.HistorySums(t)
	if err != nil {
		return err
	}
	return tp.engine.RunReadOnlyXct(t, func(t *thread.Thread) errcode.ErrorCode {
		for i := uint64(0); i < Branches; i++ {
			bal, code := tp.branches.GetInt64(t, i, 0)
			if code != errcode.Ok {
				return code
			}
			if bal != InitialBranchBalance+sums.PerBranch[i] {
				return errcode.Internal
			}
		}
		for i := uint64(0); i < Branches*TellersPerBranch; i++ {
			bal, code := tp.tellers.GetInt64(t, i, 8)
			if code != errcode.Ok {
				return code
			}
			if bal != InitialTellerBalance+sums.PerTeller[i] {
				return errcode.Internal
			}
		}
		for i := uint64(0); i < Branches*AccountsPerBranch; i++ {
			bal, code := tp.accounts.GetInt64(t, i, 8)
			if code != errcode.Ok {
				return code
			}
			if bal != InitialAccountBalance+sums.PerAccount[i] {
				return errcode.Internal
			}
		}
		return errcode.Ok
	})
}

// Storages returns the four storages for direct inspection.
func (tp *Tpcb) Storages() (branches, tellers, accounts *array.Storage,
	histories *seq.Storage) {

	return tp.branches, tp.tellers, tp.accounts, tp.histories
}

// String describes the scaling configuration.
func (tp *Tpcb) String() string {
	return fmt.Sprintf("tpcb[%d branches x %d tellers x %d accounts]",
		Branches, TellersPerBranch, AccountsPerBranch)
}
