package statetoken

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"
)

type memoryKey struct {
	owner   string
	purpose Purpose
}

type memoryRecord struct {
	digest    [sha256.Size]byte
	status    Status
	expiresAt time.Time
}

// MemoryStore はプロセス内メモリにトークンを保持するStore。
// 単一インスタンス構成向け。
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]*memoryRecord
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		records: make(map[memoryKey]*memoryRecord),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue は新しいトークンを発行する。
func (s *MemoryStore) Issue(_ context.Context, owner string, purpose Purpose) (*Token, error) {
	if err := checkKey(owner, purpose); err != nil {
		return nil, err
	}
	value, sum, err := newValue()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.now().Add(s.ttl)
	s.records[memoryKey{owner, purpose}] = &memoryRecord{
		digest:    sum,
		status:    StatusPending,
		expiresAt: expiresAt,
	}
	return &Token{Purpose: purpose, Value: value, Status: StatusPending, ExpiresAt: expiresAt}, nil
}

// Validate はcandidateを照合する。
func (s *MemoryStore) Validate(_ context.Context, owner string, purpose Purpose, candidate string) (Result, error) {
	if checkKey(owner, purpose) != nil || candidate == "" {
		return Mismatch, nil
	}
	key := memoryKey{owner, purpose}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.live(key)
	if rec == nil {
		return Mismatch, nil
	}

	if !digestEqual(rec.digest, digest(candidate)) {
		if rec.status == StatusPending {
			delete(s.records, key)
		}
		return Mismatch, nil
	}

	switch rec.status {
	case StatusPending:
		rec.status = StatusInProgress
		return Valid, nil
	case StatusInProgress:
		return InProgress, nil
	default:
		return AlreadyProcessed, nil
	}
}

// MarkProcessed はトークンをprocessedにする。
func (s *MemoryStore) MarkProcessed(_ context.Context, owner string, purpose Purpose, value string) error {
	if err := checkKey(owner, purpose); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.live(memoryKey{owner, purpose}); rec != nil && digestEqual(rec.digest, digest(value)) {
		rec.status = StatusProcessed
	}
	return nil
}

// Clear はpendingのトークンを削除する。
func (s *MemoryStore) Clear(_ context.Context, owner string, purpose Purpose) error {
	if err := checkKey(owner, purpose); err != nil {
		return err
	}
	key := memoryKey{owner, purpose}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.status == StatusPending {
		delete(s.records, key)
	}
	return nil
}

// PurgeExpired は期限切れのトークンを削除する。
func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for key, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// live は期限内のレコードを返す。期限切れのレコードは削除してnilを返す。
// 呼び出し側でmuを保持していること。
func (s *MemoryStore) live(key memoryKey) *memoryRecord {
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if !s.now().Before(rec.expiresAt) {
		delete(s.records, key)
		return nil
	}
	return rec
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
