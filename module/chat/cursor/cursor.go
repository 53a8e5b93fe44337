package cursor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"IMGateway/logger"
	"IMGateway/tools/errs"

	"github.com/redis/go-redis/v9"
)

const (
	lastSeqKeyFmt = "im:conv:last_seq:%d"
	readKeyFmt    = "im:read:%d"
	lockSeqFmt    = "lock:seq:conv:%d"

	keyTTLSeconds = int64(7 * 24 * 3600)

	lockWait = 2 * time.Second
	lockHold = 15 * time.Second
)

// Locker is the distributed lock the slow path runs under.
type Locker interface {
	TryLock(ctx context.Context, key string, wait, hold time.Duration) (func(), error)
}

// SeqStore is the durable side of the per-conversation counter.
type SeqStore interface {
	GetMaxSeq(ctx context.Context, conversationID int64) (int64, error)
	SetMaxSeq(ctx context.Context, conversationID, seq int64) error
}

// ReadStore is the durable side of per-user read cursors.
type ReadStore interface {
	AdvanceReadSeq(ctx context.Context, conversationID, userID, readSeq int64) error
	GetReadSeq(ctx context.Context, conversationID, userID int64) (int64, error)
}

// Service allocates message sequence numbers and tracks read cursors.
// Redis Lua scripts carry the hot path; every slow path goes through a
// distributed lock and the durable stores, and both paths only ever
// move values forward.
type Service struct {
	rdb    redis.Cmdable
	locker Locker
	seqs   SeqStore
	reads  ReadStore
}

func NewService(rdb redis.Cmdable, locker Locker, seqs SeqStore, reads ReadStore) *Service {
	return &Service{rdb: rdb, locker: locker, seqs: seqs, reads: reads}
}

func lastSeqKey(conversationID int64) string {
	return fmt.Sprintf(lastSeqKeyFmt, conversationID)
}

func readKey(userID int64) string {
	return fmt.Sprintf(readKeyFmt, userID)
}

// NextSeq allocates the next sequence number for a conversation.
func (s *Service) NextSeq(ctx context.Context, conversationID int64) (int64, error) {
	key := lastSeqKey(conversationID)

	n, fastErr := incrIfExists.Run(ctx, s.rdb, []string{key}, keyTTLSeconds).Int64()
	if fastErr == nil && n > 0 {
		s.markDurable(ctx, conversationID, n)
		return n, nil
	}
	if fastErr != nil {
		logger.Warnf("seq fast path unavailable conv=%d err=%v", conversationID, fastErr)
	}

	unlock, err := s.locker.TryLock(ctx, fmt.Sprintf(lockSeqFmt, conversationID), lockWait, lockHold)
	if err != nil {
		return 0, err
	}
	defer unlock()

	// another allocator may have seeded the counter while we queued
	if fastErr == nil {
		if n, err := incrIfExists.Run(ctx, s.rdb, []string{key}, keyTTLSeconds).Int64(); err == nil && n > 0 {
			s.markDurable(ctx, conversationID, n)
			return n, nil
		}
	}

	base, err := s.seqs.GetMaxSeq(ctx, conversationID)
	if err != nil {
		return 0, errs.WrapMsg(err, "durable max seq", "conv", conversationID)
	}

	if fastErr == nil {
		n, err := initBaseAndIncr.Run(ctx, s.rdb, []string{key}, base, keyTTLSeconds).Int64()
		if err == nil {
			s.markDurable(ctx, conversationID, n)
			return n, nil
		}
		logger.Warnf("seq seed failed, durable allocation conv=%d err=%v", conversationID, err)
	}

	// redis data path is down, allocate straight off the durable mark
	next := base + 1
	if err := s.seqs.SetMaxSeq(ctx, conversationID, next); err != nil {
		return 0, errs.WrapMsg(err, "durable seq allocation", "conv", conversationID)
	}
	return next, nil
}

// markDurable raises the durable high-water mark behind a successful
// fast-path allocation. The mark is what a cold cache reseeds from, so
// a lost write only costs a warning until the next one lands.
func (s *Service) markDurable(ctx context.Context, conversationID, seq int64) {
	if err := s.seqs.SetMaxSeq(ctx, conversationID, seq); err != nil {
		logger.Warnf("durable seq mark failed conv=%d seq=%d err=%v", conversationID, seq, err)
	}
}

// LastSeq returns the highest allocated seq of a conversation without
// allocating, repopulating redis from the durable mark on a miss.
func (s *Service) LastSeq(ctx context.Context, conversationID int64) (int64, error) {
	key := lastSeqKey(conversationID)

	raw, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr == nil {
			return v, nil
		}
	}
	if err != nil && err != redis.Nil {
		logger.Warnf("last seq read failed conv=%d err=%v", conversationID, err)
		return s.seqs.GetMaxSeq(ctx, conversationID)
	}

	base, derr := s.seqs.GetMaxSeq(ctx, conversationID)
	if derr != nil {
		return 0, derr
	}
	if n, err := initOrMax.Run(ctx, s.rdb, []string{key}, base, keyTTLSeconds).Int64(); err == nil {
		return n, nil
	}
	return base, nil
}

// AdvanceRead moves the user's read cursor in a conversation up to
// readSeq. Negative input is clamped to 0 and a stale cursor never
// overwrites a newer one, on either side of the write. The max-merge
// script is atomic, so no lock is needed here.
func (s *Service) AdvanceRead(ctx context.Context, userID, conversationID, readSeq int64) (int64, error) {
	if readSeq < 0 {
		readSeq = 0
	}

	field := strconv.FormatInt(conversationID, 10)
	cur, fastErr := maxHset.Run(ctx, s.rdb, []string{readKey(userID)}, field, readSeq, keyTTLSeconds).Int64()
	if fastErr != nil {
		logger.Warnf("read cursor fast path unavailable user=%d conv=%d err=%v", userID, conversationID, fastErr)
		cur = readSeq
		if durable, derr := s.reads.GetReadSeq(ctx, conversationID, userID); derr == nil && durable > cur {
			cur = durable
		}
	}

	if err := s.reads.AdvanceReadSeq(ctx, conversationID, userID, readSeq); err != nil {
		return 0, errs.WrapMsg(err, "durable read cursor", "user", userID, "conv", conversationID)
	}
	return cur, nil
}

// GetRead returns the user's read cursor for a conversation.
func (s *Service) GetRead(ctx context.Context, userID, conversationID int64) (int64, error) {
	field := strconv.FormatInt(conversationID, 10)

	raw, err := s.rdb.HGet(ctx, readKey(userID), field).Result()
	if err == nil {
		if v, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			return v, nil
		}
	}
	if err != nil && err != redis.Nil {
		logger.Warnf("read cursor read failed user=%d conv=%d err=%v", userID, conversationID, err)
		return s.reads.GetReadSeq(ctx, conversationID, userID)
	}

	durable, derr := s.reads.GetReadSeq(ctx, conversationID, userID)
	if derr != nil {
		return 0, derr
	}
	if n, err := maxHset.Run(ctx, s.rdb, []string{readKey(userID)}, field, durable, keyTTLSeconds).Int64(); err == nil {
		return n, nil
	}
	return durable, nil
}
