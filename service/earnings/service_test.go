package earnings

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Helphive/helphive-server/cmd/clock"
	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// memStore mirrors the SQL store's semantics: booking_id uniqueness on
// entries, allocation sums excluding failed payouts, and a per-provider
// lock serializing payout requests.
type memStore struct {
	mu          sync.Mutex
	locks       map[uint]*sync.Mutex
	nextEntry   uint
	nextPayout  uint
	nextAlloc   uint
	entries     map[uint]*models.EarningsEntry
	payouts     map[uint]*models.PayoutRequest
	allocations map[uint]*models.PayoutAllocation
}

func newMemStore() *memStore {
	return &memStore{
		locks:       make(map[uint]*sync.Mutex),
		nextEntry:   1,
		nextPayout:  1,
		nextAlloc:   1,
		entries:     make(map[uint]*models.EarningsEntry),
		payouts:     make(map[uint]*models.PayoutRequest),
		allocations: make(map[uint]*models.PayoutAllocation),
	}
}

func (m *memStore) CreateEntry(_ context.Context, e *models.EarningsEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entries {
		if existing.BookingID == e.BookingID {
			return false, nil
		}
	}
	e.ID = m.nextEntry
	m.nextEntry++
	cp := *e
	m.entries[e.ID] = &cp
	return true, nil
}

func (m *memStore) MatureEntries(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Status == models.EarningsPending && !e.AvailableAt.After(now) {
			e.Status = models.EarningsAvailable
			n++
		}
	}
	return n, nil
}

func (m *memStore) WithProviderLock(_ context.Context, providerID uint, fn func(tx Store) error) error {
	m.mu.Lock()
	lock, ok := m.locks[providerID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[providerID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(m)
}

func (m *memStore) AvailableEntries(_ context.Context, providerID uint) ([]EntryBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EntryBalance
	for _, e := range m.entries {
		if e.ProviderID != providerID || e.Status != models.EarningsAvailable {
			continue
		}
		out = append(out, EntryBalance{Entry: *e, AllocatedCents: m.allocatedLocked(e.ID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.ID < out[j].Entry.ID })
	return out, nil
}

func (m *memStore) allocatedLocked(entryID uint) int64 {
	var sum int64
	for _, a := range m.allocations {
		p := m.payouts[a.PayoutRequestID]
		if p != nil && p.Status != models.PayoutFailed && a.EarningsEntryID == entryID {
			sum += a.AmountCents
		}
	}
	return sum
}

func (m *memStore) CreatePayout(_ context.Context, p *models.PayoutRequest, allocations []models.PayoutAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.nextPayout
	m.nextPayout++
	cp := *p
	m.payouts[p.ID] = &cp
	for _, a := range allocations {
		a.ID = m.nextAlloc
		m.nextAlloc++
		a.PayoutRequestID = p.ID
		cpA := a
		m.allocations[a.ID] = &cpA
	}
	return nil
}

func (m *memStore) GetPayout(_ context.Context, id uint) (*models.PayoutRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, models.ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) SetPayoutStatus(_ context.Context, id uint, status models.PayoutStatus, processorPayoutID, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return models.ErrPayoutNotFound
	}
	p.Status = status
	p.ProcessorPayoutID = processorPayoutID
	p.FailureReason = failureReason
	return nil
}

func (m *memStore) ReleaseAllocations(_ context.Context, payoutID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.allocations {
		if a.PayoutRequestID == payoutID {
			delete(m.allocations, id)
		}
	}
	return nil
}

func (m *memStore) SettlePaidEntries(_ context.Context, payoutID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Status != models.EarningsAvailable {
			continue
		}
		var paid int64
		for _, a := range m.allocations {
			p := m.payouts[a.PayoutRequestID]
			if p != nil && p.Status == models.PayoutPaid && a.EarningsEntryID == e.ID {
				paid += a.AmountCents
			}
		}
		if paid >= e.AmountCents {
			e.Status = models.EarningsPaid
		}
	}
	return nil
}

func (m *memStore) Balance(_ context.Context, providerID uint) (BalanceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out BalanceSummary
	for _, e := range m.entries {
		if e.ProviderID != providerID {
			continue
		}
		switch e.Status {
		case models.EarningsPending:
			out.PendingCents += e.AmountCents
		case models.EarningsAvailable:
			out.AvailableCents += e.AmountCents - m.allocatedLocked(e.ID)
		case models.EarningsPaid:
			out.PaidCents += e.AmountCents
		}
	}
	return out, nil
}

func (m *memStore) ListEntries(_ context.Context, providerID uint, _, _ int) ([]models.EarningsEntry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EarningsEntry
	for _, e := range m.entries {
		if e.ProviderID == providerID {
			out = append(out, *e)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memStore) ListPayouts(_ context.Context, providerID uint, _, _ int) ([]models.PayoutRequest, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PayoutRequest
	for _, p := range m.payouts {
		if p.ProviderID == providerID {
			out = append(out, *p)
		}
	}
	return out, int64(len(out)), nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
	hook  func(idempotencyKey string)
}

func (f *fakeExecutor) ExecutePayout(_ context.Context, _ uint, _ int64, _, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, idempotencyKey)
	if f.hook != nil {
		f.hook(idempotencyKey)
	}
	if f.err != nil {
		return "", f.err
	}
	return "po_" + idempotencyKey, nil
}

func completedBooking(id, providerID uint, netCents int64) *models.Booking {
	b := &models.Booking{
		CustomerID:       1,
		ProviderID:       &providerID,
		NetProviderCents: netCents,
		Status:           models.BookingCompleted,
		PaymentStatus:    models.PaymentCaptured,
	}
	b.ID = id
	return b
}

func newTestService() (*Service, *memStore, *fakeExecutor) {
	store := newMemStore()
	exec := &fakeExecutor{}
	return NewService(store, exec, clock.NewFixed(testNow)), store, exec
}

// creditAvailable credits a booking and matures the entry immediately.
func creditAvailable(t *testing.T, svc *Service, store *memStore, bookingID, providerID uint, netCents int64) {
	t.Helper()
	created, err := svc.Credit(context.Background(), completedBooking(bookingID, providerID, netCents))
	require.NoError(t, err)
	require.True(t, created)
	_, err = store.MatureEntries(context.Background(), testNow.Add(models.ClearancePeriod))
	require.NoError(t, err)
}

func TestCreditIsIdempotentPerBooking(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	b := completedBooking(1, 7, 11400)
	created, err := svc.Credit(ctx, b)
	require.NoError(t, err)
	require.True(t, created)

	created, err = svc.Credit(ctx, b)
	require.NoError(t, err)
	require.False(t, created)

	entries, total, err := store.ListEntries(ctx, 7, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, int64(11400), entries[0].AmountCents)
	require.Equal(t, models.EarningsPending, entries[0].Status)
	require.Equal(t, testNow.Add(models.ClearancePeriod), entries[0].AvailableAt)
}

func TestCreditWithoutProvider(t *testing.T) {
	svc, _, _ := newTestService()

	b := completedBooking(1, 7, 11400)
	b.ProviderID = nil
	_, err := svc.Credit(context.Background(), b)
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestMatureFlipsClearedEntries(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, completedBooking(1, 7, 5000))
	require.NoError(t, err)

	// Still inside the clearance window.
	n, err := svc.Mature(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	later := NewService(store, &fakeExecutor{}, clock.NewFixed(testNow.Add(models.ClearancePeriod)))
	n, err = later.Mature(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	bal, err := svc.Balance(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(5000), bal.AvailableCents)
	require.Zero(t, bal.PendingCents)
}

func TestPayoutRejectsPendingFunds(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Credit(ctx, completedBooking(1, 7, 5000))
	require.NoError(t, err)

	_, err = svc.RequestPayout(ctx, 7, 5000)
	require.ErrorIs(t, err, models.ErrInsufficientBalance)
}

func TestPayoutRejectsInvalidAmount(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.RequestPayout(context.Background(), 7, 0)
	require.ErrorIs(t, err, models.ErrInvalidAmount)
	_, err = svc.RequestPayout(context.Background(), 7, -100)
	require.ErrorIs(t, err, models.ErrInvalidAmount)
}

func TestPayoutAllocatesOldestFirstAndSplits(t *testing.T) {
	svc, store, exec := newTestService()
	ctx := context.Background()

	creditAvailable(t, svc, store, 1, 7, 4000)
	creditAvailable(t, svc, store, 2, 7, 6000)

	p, err := svc.RequestPayout(ctx, 7, 7000)
	require.NoError(t, err)
	require.Equal(t, models.PayoutPaid, p.Status)
	require.Equal(t, "po_payout-1", p.ProcessorPayoutID)
	require.Equal(t, []string{"payout-1"}, exec.calls)

	// First entry fully consumed and settled, second partially reserved.
	bal, err := svc.Balance(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(3000), bal.AvailableCents)
	require.Equal(t, int64(4000), bal.PaidCents)

	entries, err := store.AvailableEntries(ctx, 7)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(6000), entries[0].Entry.AmountCents)
	require.Equal(t, int64(3000), entries[0].AllocatedCents)
}

func TestPayoutNeverExceedsAvailable(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	creditAvailable(t, svc, store, 1, 7, 5000)

	_, err := svc.RequestPayout(ctx, 7, 5001)
	require.ErrorIs(t, err, models.ErrInsufficientBalance)

	p, err := svc.RequestPayout(ctx, 7, 5000)
	require.NoError(t, err)
	require.Equal(t, models.PayoutPaid, p.Status)

	// The balance is spent now.
	_, err = svc.RequestPayout(ctx, 7, 1)
	require.ErrorIs(t, err, models.ErrInsufficientBalance)
}

func TestDeclinedPayoutReleasesReservation(t *testing.T) {
	svc, store, exec := newTestService()
	ctx := context.Background()

	creditAvailable(t, svc, store, 1, 7, 5000)
	exec.err = errors.New("account blocked")

	p, err := svc.RequestPayout(ctx, 7, 5000)
	require.NoError(t, err)
	require.Equal(t, models.PayoutFailed, p.Status)
	require.Equal(t, "account blocked", p.FailureReason)

	// Funds are back; a retry succeeds.
	exec.err = nil
	bal, err := svc.Balance(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(5000), bal.AvailableCents)

	p, err = svc.RequestPayout(ctx, 7, 5000)
	require.NoError(t, err)
	require.Equal(t, models.PayoutPaid, p.Status)
}

func TestConcurrentPayoutsSerializePerProvider(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	creditAvailable(t, svc, store, 1, 7, 5000)

	const contenders = 8
	var wg sync.WaitGroup
	results := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.RequestPayout(ctx, 7, 5000)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrInsufficientBalance):
		default:
			t.Fatalf("unexpected payout error: %v", err)
		}
	}
	require.Equal(t, 1, wins)

	bal, err := svc.Balance(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, bal.AvailableCents)
	require.Equal(t, int64(5000), bal.PaidCents)
}

func TestProvidersBalancesAreIndependent(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	creditAvailable(t, svc, store, 1, 7, 5000)
	creditAvailable(t, svc, store, 2, 8, 3000)

	_, err := svc.RequestPayout(ctx, 7, 5000)
	require.NoError(t, err)

	bal, err := svc.Balance(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, int64(3000), bal.AvailableCents)
}

func TestPayoutProcessingWhileInFlight(t *testing.T) {
	svc, store, exec := newTestService()
	ctx := context.Background()

	creditAvailable(t, svc, store, 1, 7, 5000)

	var inFlight models.PayoutStatus
	exec.hook = func(string) {
		p, err := store.GetPayout(ctx, 1)
		require.NoError(t, err)
		inFlight = p.Status
	}

	payout, err := svc.RequestPayout(ctx, 7, 5000)
	require.NoError(t, err)
	require.Equal(t, models.PayoutProcessing, inFlight)
	require.Equal(t, models.PayoutPaid, payout.Status)
}
