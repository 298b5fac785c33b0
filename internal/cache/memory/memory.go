// Package memory implements the domain cache interfaces in process. It backs a
// single engine instance when no Redis address is configured.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// Round-scoped entries expire like their Redis counterparts.
const (
	DecisionTTL = 30 * time.Minute
	CandleTTL   = 2 * time.Hour
)

// DefaultStreamMaxLen caps every stream, mirroring XADD MAXLEN.
const DefaultStreamMaxLen = 10000

type roundKey struct {
	instrumentID string
	timeID       int64
}

type decisionEntry struct {
	state   domain.DecisionState
	expires time.Time
}

type candleEntry struct {
	candle  domain.Candle
	expires time.Time
}

// StateStore is an in-process domain.StateStore.
type StateStore struct {
	mu        sync.Mutex
	now       func() time.Time
	mode      string
	forced    map[string]domain.Decision
	decisions map[roundKey]decisionEntry
	opens     map[string]decimal.Decimal
	finals    map[roundKey]candleEntry
}

// NewStateStore returns an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{
		now:       time.Now,
		forced:    make(map[string]domain.Decision),
		decisions: make(map[roundKey]decisionEntry),
		opens:     make(map[string]decimal.Decimal),
		finals:    make(map[roundKey]candleEntry),
	}
}

// prune drops expired round entries. Callers hold s.mu.
func (s *StateStore) prune(now time.Time) {
	for k, e := range s.decisions {
		if !now.Before(e.expires) {
			delete(s.decisions, k)
		}
	}
	for k, e := range s.finals {
		if !now.Before(e.expires) {
			delete(s.finals, k)
		}
	}
}

// Len returns the number of round decisions and final candles held.
func (s *StateStore) Len() (decisions, finals int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.decisions), len(s.finals)
}

func (s *StateStore) TradeMode(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == "" {
		return "", domain.ErrNotFound
	}
	return s.mode, nil
}

func (s *StateStore) SetTradeMode(_ context.Context, mode domain.TradeMode) error {
	s.mu.Lock()
	s.mode = string(mode)
	s.mu.Unlock()
	return nil
}

func (s *StateStore) ForcedDecision(_ context.Context, instrumentID string) (domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced[instrumentID], nil
}

func (s *StateStore) SetForcedDecision(_ context.Context, instrumentID string, d domain.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == domain.DecisionNone {
		delete(s.forced, instrumentID)
		return nil
	}
	s.forced[instrumentID] = d
	return nil
}

func (s *StateStore) InitRoundDecision(_ context.Context, instrumentID string, timeID int64, st domain.DecisionState) (domain.DecisionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.prune(now)
	k := roundKey{instrumentID, timeID}
	if cur, ok := s.decisions[k]; ok {
		return cur.state, nil
	}
	s.decisions[k] = decisionEntry{state: st, expires: now.Add(DecisionTTL)}
	return st, nil
}

func (s *StateStore) RoundDecision(_ context.Context, instrumentID string, timeID int64) (domain.DecisionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.decisions[roundKey{instrumentID, timeID}]
	if !ok || !s.now().Before(e.expires) {
		return domain.DecisionState{}, domain.ErrNotFound
	}
	return e.state, nil
}

func (s *StateStore) ClearRoundDecision(_ context.Context, instrumentID string, timeID int64) error {
	s.mu.Lock()
	delete(s.decisions, roundKey{instrumentID, timeID})
	s.mu.Unlock()
	return nil
}

func (s *StateStore) OpenPrice(_ context.Context, instrumentID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.opens[instrumentID]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return p, nil
}

func (s *StateStore) SetOpenPrice(_ context.Context, instrumentID string, price decimal.Decimal) error {
	s.mu.Lock()
	s.opens[instrumentID] = price
	s.mu.Unlock()
	return nil
}

func (s *StateStore) FinalCandle(_ context.Context, instrumentID string, timeID int64) (domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.finals[roundKey{instrumentID, timeID}]
	if !ok || !s.now().Before(e.expires) {
		return domain.Candle{}, domain.ErrNotFound
	}
	return e.candle, nil
}

func (s *StateStore) SaveFinalCandle(_ context.Context, instrumentID string, c domain.Candle) (domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.prune(now)
	k := roundKey{instrumentID, c.TimeID}
	if cur, ok := s.finals[k]; ok {
		return cur.candle, nil
	}
	s.finals[k] = candleEntry{candle: c, expires: now.Add(CandleTTL)}
	return c, nil
}

// LockManager is an in-process domain.LockManager honouring TTLs.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]time.Time
	seq   int
	owner map[string]string
	now   func() time.Time
}

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{
		held:  make(map[string]time.Time),
		owner: make(map[string]string),
		now:   time.Now,
	}
}

func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[key]; ok && l.now().Before(exp) {
		return nil, domain.ErrLockHeld
	}
	l.seq++
	token := strconv.Itoa(l.seq)
	l.held[key] = l.now().Add(ttl)
	l.owner[key] = token

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.owner[key] == token {
				delete(l.held, key)
				delete(l.owner, key)
			}
		})
	}, nil
}

// SignalBus is an in-process domain.SignalBus. Subscribers that fall behind
// drop messages, matching pub/sub semantics. Streams keep their newest maxLen
// entries.
type SignalBus struct {
	mu      sync.Mutex
	maxLen  int
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
	seq     map[string]int64
}

// NewSignalBus returns an empty SignalBus capped at DefaultStreamMaxLen.
func NewSignalBus() *SignalBus {
	return NewBoundedSignalBus(DefaultStreamMaxLen)
}

// NewBoundedSignalBus returns an empty SignalBus whose streams keep at most
// maxLen entries. maxLen <= 0 selects DefaultStreamMaxLen.
func NewBoundedSignalBus(maxLen int64) *SignalBus {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &SignalBus{
		maxLen:  int(maxLen),
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
		seq:     make(map[string]int64),
	}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 256)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[stream]++
	id := fmt.Sprintf("%d-0", b.seq[stream])
	entries := append(b.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	if over := len(entries) - b.maxLen; over > 0 {
		entries = append(entries[:0:0], entries[over:]...)
	}
	b.streams[stream] = entries
	return nil
}

// StreamRead returns up to count entries after lastID. "0" or "" reads from
// the beginning; "$" returns nothing because no blocking read is offered.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.streams[stream]
	start := 0
	switch lastID {
	case "", "0":
	case "$":
		return nil, nil
	default:
		after := streamSeq(lastID)
		start = len(entries)
		for i, m := range entries {
			if streamSeq(m.ID) > after {
				start = i
				break
			}
		}
	}
	if count <= 0 || start+count > len(entries) {
		count = len(entries) - start
	}
	out := make([]domain.StreamMessage, count)
	copy(out, entries[start:start+count])
	return out, nil
}

func streamSeq(id string) int64 {
	head, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseInt(head, 10, 64)
	return n
}

// Compile-time interface checks.
var (
	_ domain.StateStore  = (*StateStore)(nil)
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
)
