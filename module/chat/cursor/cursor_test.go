package cursor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubLocker struct{}

func (stubLocker) TryLock(ctx context.Context, key string, wait, hold time.Duration) (func(), error) {
	return func() {}, nil
}

type fakeSeqStore struct {
	mu  sync.Mutex
	max map[int64]int64
}

func newFakeSeqStore() *fakeSeqStore {
	return &fakeSeqStore{max: make(map[int64]int64)}
}

func (f *fakeSeqStore) GetMaxSeq(ctx context.Context, conversationID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.max[conversationID], nil
}

func (f *fakeSeqStore) SetMaxSeq(ctx context.Context, conversationID, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq > f.max[conversationID] {
		f.max[conversationID] = seq
	}
	return nil
}

type fakeReadStore struct {
	mu    sync.Mutex
	reads map[[2]int64]int64
}

func newFakeReadStore() *fakeReadStore {
	return &fakeReadStore{reads: make(map[[2]int64]int64)}
}

func (f *fakeReadStore) AdvanceReadSeq(ctx context.Context, conversationID, userID, readSeq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]int64{conversationID, userID}
	if readSeq > f.reads[k] {
		f.reads[k] = readSeq
	}
	return nil
}

func (f *fakeReadStore) GetReadSeq(ctx context.Context, conversationID, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[[2]int64{conversationID, userID}], nil
}

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis, *fakeSeqStore, *fakeReadStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	seqs := newFakeSeqStore()
	reads := newFakeReadStore()
	return NewService(rdb, stubLocker{}, seqs, reads), mr, seqs, reads
}

func TestNextSeqMonotonic(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	for want := int64(1); want <= 50; want++ {
		got, err := svc.NextSeq(ctx, 7)
		if err != nil {
			t.Fatalf("NextSeq: %v", err)
		}
		if got != want {
			t.Fatalf("NextSeq = %d, want %d", got, want)
		}
	}
}

func TestNextSeqSeedsFromDurableMark(t *testing.T) {
	svc, _, seqs, _ := newTestService(t)
	ctx := context.Background()

	// durable history exists but the redis counter was lost
	_ = seqs.SetMaxSeq(ctx, 7, 40)

	got, err := svc.NextSeq(ctx, 7)
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	if got != 41 {
		t.Fatalf("NextSeq after counter loss = %d, want 41", got)
	}
	// and the fast path carries on from there
	got, err = svc.NextSeq(ctx, 7)
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	if got != 42 {
		t.Fatalf("NextSeq = %d, want 42", got)
	}
}

func TestNextSeqDurableFallbackDuringOutage(t *testing.T) {
	svc, mr, _, _ := newTestService(t)
	ctx := context.Background()
	mr.Close() // redis data path is gone, the lock stub still works

	for want := int64(1); want <= 50; want++ {
		got, err := svc.NextSeq(ctx, 7)
		if err != nil {
			t.Fatalf("NextSeq during outage: %v", err)
		}
		if got != want {
			t.Fatalf("NextSeq during outage = %d, want %d", got, want)
		}
	}
}

func TestNextSeqNeverRegressesAcrossRecovery(t *testing.T) {
	svc, mr, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := svc.NextSeq(ctx, 7); err != nil {
			t.Fatalf("NextSeq: %v", err)
		}
	}
	// flush simulates the cache restarting empty
	mr.FlushAll()

	got, err := svc.NextSeq(ctx, 7)
	if err != nil {
		t.Fatalf("NextSeq after flush: %v", err)
	}
	if got != 11 {
		t.Fatalf("NextSeq after flush = %d, want 11", got)
	}
}

func TestLastSeqBackfillsRedis(t *testing.T) {
	svc, _, seqs, _ := newTestService(t)
	ctx := context.Background()

	_ = seqs.SetMaxSeq(ctx, 9, 23)

	got, err := svc.LastSeq(ctx, 9)
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if got != 23 {
		t.Fatalf("LastSeq = %d, want 23", got)
	}
	// next allocation continues past the backfilled value
	next, err := svc.NextSeq(ctx, 9)
	if err != nil {
		t.Fatalf("NextSeq: %v", err)
	}
	if next != 24 {
		t.Fatalf("NextSeq after backfill = %d, want 24", next)
	}
}

func TestAdvanceReadNeverGoesBackwards(t *testing.T) {
	svc, _, _, reads := newTestService(t)
	ctx := context.Background()

	cur, err := svc.AdvanceRead(ctx, 5, 9, 10)
	if err != nil {
		t.Fatalf("AdvanceRead: %v", err)
	}
	if cur != 10 {
		t.Fatalf("AdvanceRead = %d, want 10", cur)
	}

	// a stale ack must not move the cursor back
	cur, err = svc.AdvanceRead(ctx, 5, 9, 4)
	if err != nil {
		t.Fatalf("AdvanceRead: %v", err)
	}
	if cur != 10 {
		t.Fatalf("AdvanceRead stale = %d, want 10", cur)
	}

	durable, _ := reads.GetReadSeq(ctx, 9, 5)
	if durable != 10 {
		t.Fatalf("durable read cursor = %d, want 10", durable)
	}
}

func TestAdvanceReadClampsNegative(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	cur, err := svc.AdvanceRead(ctx, 5, 9, -3)
	if err != nil {
		t.Fatalf("AdvanceRead: %v", err)
	}
	if cur != 0 {
		t.Fatalf("AdvanceRead negative = %d, want 0", cur)
	}
}

func TestAdvanceReadDurableDuringOutage(t *testing.T) {
	svc, mr, _, reads := newTestService(t)
	ctx := context.Background()
	mr.Close()

	cur, err := svc.AdvanceRead(ctx, 5, 9, 10)
	if err != nil {
		t.Fatalf("AdvanceRead during outage: %v", err)
	}
	if cur != 10 {
		t.Fatalf("AdvanceRead = %d, want 10", cur)
	}

	cur, err = svc.AdvanceRead(ctx, 5, 9, 4)
	if err != nil {
		t.Fatalf("AdvanceRead during outage: %v", err)
	}
	if cur != 10 {
		t.Fatalf("AdvanceRead stale during outage = %d, want 10", cur)
	}
	if durable, _ := reads.GetReadSeq(ctx, 9, 5); durable != 10 {
		t.Fatalf("durable read cursor = %d, want 10", durable)
	}
}

func TestGetReadRepopulatesFromDurable(t *testing.T) {
	svc, _, _, reads := newTestService(t)
	ctx := context.Background()

	_ = reads.AdvanceReadSeq(ctx, 9, 5, 7)

	got, err := svc.GetRead(ctx, 5, 9)
	if err != nil {
		t.Fatalf("GetRead: %v", err)
	}
	if got != 7 {
		t.Fatalf("GetRead = %d, want 7", got)
	}

	// second read should come straight off redis
	got, err = svc.GetRead(ctx, 5, 9)
	if err != nil {
		t.Fatalf("GetRead: %v", err)
	}
	if got != 7 {
		t.Fatalf("GetRead cached = %d, want 7", got)
	}
}
