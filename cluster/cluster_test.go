package cluster

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeKV is an in-memory stand-in for the etcd KV, covering the Get and
// compare-ModRevision-then-Put shapes the allocator issues.
type fakeKV struct {
	mu     sync.Mutex
	values map[string]string
	revs   map[string]int64
	rev    int64
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: make(map[string]string), revs: make(map[string]int64)}
}

func (kv *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var resp = &clientv3.GetResponse{}
	if v, ok := kv.values[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{
			Key:         []byte(key),
			Value:       []byte(v),
			ModRevision: kv.revs[key],
		}}
	}
	return resp, nil
}

func (kv *fakeKV) Txn(context.Context) clientv3.Txn {
	return &fakeTxn{kv: kv}
}

// put bumps the key outside any transaction, simulating another server.
func (kv *fakeKV) put(key, value string) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.rev++
	kv.values[key] = value
	kv.revs[key] = kv.rev
}

type fakeTxn struct {
	kv    *fakeKV
	cmps  []clientv3.Cmp
	thens []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thens = append(t.thens, ops...)
	return t
}

func (t *fakeTxn) Else(...clientv3.Op) clientv3.Txn { return t }

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	t.kv.mu.Lock()
	defer t.kv.mu.Unlock()

	for _, c := range t.cmps {
		var cmp = etcdserverpb.Compare(c)
		if cmp.Target != etcdserverpb.Compare_MOD {
			panic("fakeKV only understands ModRevision compares")
		}
		if t.kv.revs[string(cmp.Key)] != cmp.GetModRevision() {
			return &clientv3.TxnResponse{Succeeded: false}, nil
		}
	}
	for _, op := range t.thens {
		if !op.IsPut() {
			panic("fakeKV only understands Put ops")
		}
		t.kv.rev++
		t.kv.values[string(op.KeyBytes())] = string(op.ValueBytes())
		t.kv.revs[string(op.KeyBytes())] = t.kv.rev
	}
	return &clientv3.TxnResponse{Succeeded: true}, nil
}

func TestBlockAllocatorIsContiguousWithinBlock(t *testing.T) {
	var kv = newFakeKV()
	var a = NewBlockAllocator(kv, "ch-1", 5)
	var ctx = context.Background()

	for want := int64(1); want <= 12; want++ {
		var got, err = a.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	// Three blocks of five were claimed for twelve ids.
	require.Equal(t, "15", kv.values["interflow/sequence/ch-1"])
}

func TestBlockAllocatorsNeverOverlap(t *testing.T) {
	var kv = newFakeKV()
	var a = NewBlockAllocator(kv, "ch-1", 10)
	var b = NewBlockAllocator(kv, "ch-1", 10)
	var ctx = context.Background()

	var seen = make(map[int64]bool)
	for i := 0; i < 25; i++ {
		var id, err = a.Next(ctx)
		require.NoError(t, err)
		require.False(t, seen[id], "id %d minted twice", id)
		seen[id] = true

		id, err = b.Next(ctx)
		require.NoError(t, err)
		require.False(t, seen[id], "id %d minted twice", id)
		seen[id] = true
	}
}

func TestBlockAllocatorRetriesLostRace(t *testing.T) {
	var kv = newFakeKV()
	// Another server claimed up through 100 before we start.
	kv.put("interflow/sequence/ch-1", "100")

	var a = NewBlockAllocator(kv, "ch-1", 10)
	var id, err = a.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(101), id)
}

func TestBlockAllocatorSeparatesChannels(t *testing.T) {
	var kv = newFakeKV()
	var a = NewBlockAllocator(kv, "ch-1", 10)
	var b = NewBlockAllocator(kv, "ch-2", 10)
	var ctx = context.Background()

	idA, err := a.Next(ctx)
	require.NoError(t, err)
	idB, err := b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), idA)
	require.Equal(t, int64(1), idB)
}

func TestLocalAllocator(t *testing.T) {
	var a = NewLocalAllocator(41)
	var id, err = a.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
}

func TestLoadOrCreateServerID(t *testing.T) {
	var dir = t.TempDir()

	var id, err = LoadOrCreateServerID(dir)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	// A second load returns the same identity.
	again, err := LoadOrCreateServerID(dir)
	require.NoError(t, err)
	require.Equal(t, id, again)

	// A corrupt file is an error, not a silent re-mint.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.id"), []byte("not-a-uuid"), 0644))
	_, err = LoadOrCreateServerID(dir)
	require.ErrorContains(t, err, "corrupt")
}
