package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Helphive/helphive-server/cmd/clock"
	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/Helphive/helphive-server/service/booking"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// ledgerStore is an in-memory booking.Store whose conditional write has the
// same lose-on-stale-version behavior as the SQL store, so the accept race
// is real.
type ledgerStore struct {
	mu       sync.Mutex
	bookings map[uint]*models.Booking
}

func newLedgerStore(bookings ...*models.Booking) *ledgerStore {
	s := &ledgerStore{bookings: make(map[uint]*models.Booking)}
	for _, b := range bookings {
		cp := *b
		s.bookings[b.ID] = &cp
	}
	return s
}

func (s *ledgerStore) Get(_ context.Context, id uint) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, models.ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *ledgerStore) Create(_ context.Context, b *models.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bookings[b.ID] = &cp
	return nil
}

func (s *ledgerStore) UpdateStatusConditional(_ context.Context, id uint, expectedVersion int64, updates map[string]interface{}, _ models.BookingStatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return models.ErrBookingNotFound
	}
	if b.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	for k, v := range updates {
		switch k {
		case "status":
			b.Status = v.(models.BookingStatus)
		case "provider_id":
			pid := v.(uint)
			b.ProviderID = &pid
		}
	}
	b.Version++
	return nil
}

func (s *ledgerStore) ListByCustomer(context.Context, uint, int, int) ([]models.Booking, int64, error) {
	return nil, 0, nil
}

func (s *ledgerStore) ListByProvider(context.Context, uint, int, int) ([]models.Booking, int64, error) {
	return nil, 0, nil
}

func (s *ledgerStore) ListExpiredPending(context.Context, time.Time, int) ([]models.Booking, error) {
	return nil, nil
}

type matchStore struct {
	providers map[uint]*models.User
	ledger    *ledgerStore
}

func (s *matchStore) GetProvider(_ context.Context, id uint) (*models.User, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, errors.New("provider not found")
	}
	cp := *p
	return &cp, nil
}

func (s *matchStore) OpenBookings(_ context.Context, limit int) ([]models.Booking, error) {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	var out []models.Booking
	for _, b := range s.ledger.bookings {
		if b.Status == models.BookingOpen && len(out) < limit {
			out = append(out, *b)
		}
	}
	return out, nil
}

func openBooking(id uint) *models.Booking {
	b := &models.Booking{
		CustomerID:     1,
		ServiceType:    "cleaning",
		Status:         models.BookingOpen,
		Version:        2,
		ScheduledStart: testNow.Add(24 * time.Hour),
	}
	b.ID = id
	return b
}

func provider(id uint, types ...string) *models.User {
	u := &models.User{
		Role:      models.RoleProvider,
		Available: true,
	}
	u.ID = id
	for _, t := range types {
		u.ServiceTypes = append(u.ServiceTypes, t)
	}
	return u
}

func newTestResolver(providers []*models.User, bookings ...*models.Booking) (*Resolver, *ledgerStore) {
	ledgerSt := newLedgerStore(bookings...)
	ms := &matchStore{providers: make(map[uint]*models.User), ledger: ledgerSt}
	for _, p := range providers {
		ms.providers[p.ID] = p
	}
	ledger := booking.NewService(ledgerSt, nil, nil, clock.NewFixed(testNow), models.DefaultFeeRateBps)
	return NewResolver(ms, ledger, nil, clock.NewFixed(testNow)), ledgerSt
}

func TestAcceptAssignsProvider(t *testing.T) {
	b := openBooking(1)
	r, st := newTestResolver([]*models.User{provider(7, "cleaning")}, b)

	accepted, err := r.Accept(context.Background(), 1, 7)
	require.NoError(t, err)
	require.Equal(t, models.BookingAccepted, accepted.Status)
	require.NotNil(t, accepted.ProviderID)
	require.Equal(t, uint(7), *accepted.ProviderID)

	stored, err := st.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), stored.Version)
}

func TestAcceptRejectsIneligibleProvider(t *testing.T) {
	b := openBooking(1)
	r, _ := newTestResolver([]*models.User{provider(7, "plumbing")}, b)

	_, err := r.Accept(context.Background(), 1, 7)
	require.ErrorIs(t, err, ErrNotEligible)
}

func TestAcceptNonOpenBooking(t *testing.T) {
	b := openBooking(1)
	b.Status = models.BookingAccepted
	r, _ := newTestResolver([]*models.User{provider(7, "cleaning")}, b)

	_, err := r.Accept(context.Background(), 1, 7)
	require.ErrorIs(t, err, models.ErrAlreadyTaken)
}

func TestAcceptRaceHasExactlyOneWinner(t *testing.T) {
	const contenders = 32

	b := openBooking(1)
	providers := make([]*models.User, 0, contenders)
	for i := uint(1); i <= contenders; i++ {
		providers = append(providers, provider(i, "cleaning"))
	}
	r, st := newTestResolver(providers, b)

	var wg sync.WaitGroup
	results := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.Accept(context.Background(), 1, uint(i+1))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, models.ErrAlreadyTaken), errors.Is(err, models.ErrVersionConflict):
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	require.Equal(t, 1, winners)

	stored, err := st.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, models.BookingAccepted, stored.Status)
	require.NotNil(t, stored.ProviderID)
	// Only one transition landed regardless of how many raced.
	require.Equal(t, int64(3), stored.Version)
}

func TestOpenBookingsFiltersByTypeAndTime(t *testing.T) {
	cleaning := openBooking(1)
	plumbing := openBooking(2)
	plumbing.ServiceType = "plumbing"
	past := openBooking(3)
	past.ScheduledStart = testNow.Add(-time.Hour)

	r, _ := newTestResolver([]*models.User{provider(7, "cleaning")}, cleaning, plumbing, past)

	visible, err := r.OpenBookings(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, uint(1), visible[0].ID)
}

func TestOpenBookingsHiddenWhileUnavailable(t *testing.T) {
	b := openBooking(1)
	p := provider(7, "cleaning")
	p.Available = false
	r, _ := newTestResolver([]*models.User{p}, b)

	visible, err := r.OpenBookings(context.Background(), 7)
	require.NoError(t, err)
	require.Empty(t, visible)
}
