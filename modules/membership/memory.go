package membership

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemorySubscriptionStore is an in-memory SubscriptionStore for tests
// and local development. The mutex makes the compare-and-swap in Update
// atomic, matching the semantics of the MongoDB implementation.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]Subscription
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[uuid.UUID]Subscription)}
}

func (m *MemorySubscriptionStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; ok {
		return ErrAlreadySubscribed
	}
	m.subs[s.ID] = *s
	return nil
}

func (m *MemorySubscriptionStore) Get(_ context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &s, nil
}

func (m *MemorySubscriptionStore) FindByAgreementID(_ context.Context, agreementID string) (*Subscription, error) {
	if agreementID == "" {
		return nil, ErrSubscriptionNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if s.Gateway.AgreementID == agreementID {
			out := s
			return &out, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemorySubscriptionStore) FindLive(_ context.Context, userID, academyID uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if s.UserID == userID && s.AcademyID == academyID && s.IsLive() {
			out := s
			return &out, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemorySubscriptionStore) Update(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[s.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if cur.Version != s.Version {
		return ErrConcurrencyConflict
	}
	s.Version++
	m.subs[s.ID] = *s
	return nil
}

// MemoryAttendanceStore is an in-memory AttendanceStore enforcing the
// (user, group, day) uniqueness invariant.
type MemoryAttendanceStore struct {
	mu     sync.RWMutex
	events []Attendance
	seen   map[string]struct{}
}

func NewMemoryAttendanceStore() *MemoryAttendanceStore {
	return &MemoryAttendanceStore{seen: make(map[string]struct{})}
}

func (m *MemoryAttendanceStore) Insert(_ context.Context, a *Attendance) error {
	key := a.UserID.String() + "/" + a.GroupID.String() + "/" + a.Day.Format("2006-01-02")
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return ErrDuplicateAttendance
	}
	m.seen[key] = struct{}{}
	m.events = append(m.events, *a)
	return nil
}

func (m *MemoryAttendanceStore) Stats(_ context.Context, subscriptionID uuid.UUID) (AttendanceStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats AttendanceStats
	for _, a := range m.events {
		if a.SubscriptionID != subscriptionID {
			continue
		}
		stats.Total++
		if a.CountedAsTrial {
			stats.Trial++
		}
	}
	stats.Paid = stats.Total - stats.Trial
	return stats, nil
}

// MemoryPaymentLedger is an in-memory PaymentLedger with the gateway
// payment id uniqueness that makes it usable as a dedup gate.
type MemoryPaymentLedger struct {
	mu      sync.RWMutex
	entries []Payment
	byID    map[string]struct{}
}

func NewMemoryPaymentLedger() *MemoryPaymentLedger {
	return &MemoryPaymentLedger{byID: make(map[string]struct{})}
}

func (m *MemoryPaymentLedger) Exists(_ context.Context, gatewayPaymentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[gatewayPaymentID]
	return ok, nil
}

func (m *MemoryPaymentLedger) Append(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[p.GatewayPaymentID]; ok {
		return ErrDuplicatePayment
	}
	m.byID[p.GatewayPaymentID] = struct{}{}
	m.entries = append(m.entries, *p)
	return nil
}

// Entries returns a copy of the ledger, oldest first.
func (m *MemoryPaymentLedger) Entries() []Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Payment, len(m.entries))
	copy(out, m.entries)
	return out
}
