package cluster

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KV is the slice of the etcd client the allocator uses. *clientv3.Client
// satisfies it; tests substitute a fake.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

// sequencePrefix namespaces per-channel sequence keys in etcd.
const sequencePrefix = "interflow/sequence/"

// DefaultBlockSize is how many ids one claim covers. Larger blocks mean
// fewer etcd round trips and larger id gaps on restart.
const DefaultBlockSize = 1000

// BlockAllocator mints message ids for one channel by claiming contiguous
// [n+1, n+block] ranges with a compare-and-swap on the channel's sequence
// key. Ids are unique across every server sharing the etcd cluster;
// allocation within a claimed block is local.
type BlockAllocator struct {
	kv    KV
	key   string
	block int64

	mu    sync.Mutex
	next  int64 // next id to hand out, valid when <= limit
	limit int64 // last id of the claimed block, 0 when no block is held
}

func NewBlockAllocator(kv KV, channelID string, block int64) *BlockAllocator {
	if block <= 0 {
		block = DefaultBlockSize
	}
	return &BlockAllocator{
		kv:    kv,
		key:   sequencePrefix + channelID,
		block: block,
	}
}

// Next returns the next message id, claiming a fresh block when the current
// one is exhausted.
func (a *BlockAllocator) Next(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next > a.limit {
		if err := a.claim(ctx); err != nil {
			return 0, err
		}
	}
	var id = a.next
	a.next++
	return id, nil
}

// claim CASes the sequence key forward by one block. Callers hold a.mu.
func (a *BlockAllocator) claim(ctx context.Context) error {
	for {
		var resp, err = a.kv.Get(ctx, a.key)
		if err != nil {
			return fmt.Errorf("reading sequence %s: %w", a.key, err)
		}

		var current int64
		var modRevision int64
		if len(resp.Kvs) != 0 {
			if current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64); err != nil {
				return fmt.Errorf("sequence %s holds %q: %w", a.key, resp.Kvs[0].Value, err)
			}
			modRevision = resp.Kvs[0].ModRevision
		}

		var claimed = current + a.block
		txnResp, err := a.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(a.key), "=", modRevision)).
			Then(clientv3.OpPut(a.key, strconv.FormatInt(claimed, 10))).
			Commit()
		if err != nil {
			return fmt.Errorf("claiming sequence block: %w", err)
		}
		if !txnResp.Succeeded {
			// Another server moved the sequence; retry from its value.
			continue
		}

		a.next = current + 1
		a.limit = claimed
		log.WithFields(log.Fields{
			"key":   a.key,
			"first": a.next,
			"last":  a.limit,
		}).Debug("claimed message id block")
		return nil
	}
}

// LocalAllocator mints monotonic ids in process, the single-server stand-in
// for the etcd allocator.
type LocalAllocator struct {
	last atomic.Int64
}

// NewLocalAllocator starts handing out ids above |last|.
func NewLocalAllocator(last int64) *LocalAllocator {
	var a = &LocalAllocator{}
	a.last.Store(last)
	return a
}

func (a *LocalAllocator) Next(context.Context) (int64, error) {
	return a.last.Add(1), nil
}
