package matching

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Helphive/helphive-server/cmd/clock"
	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/Helphive/helphive-server/service/booking"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ErrNotEligible means the provider's declared service types do not cover
// this booking.
var ErrNotEligible = errors.New("provider not eligible for this booking")

const (
	openFeedCacheKey = "feed:open_bookings"
	openFeedCacheTTL = 30 * time.Second
)

type Store interface {
	GetProvider(ctx context.Context, id uint) (*models.User, error)
	// OpenBookings returns every booking currently visible to providers,
	// newest first.
	OpenBookings(ctx context.Context, limit int) ([]models.Booking, error)
}

// Resolver exposes open bookings to eligible providers and arbitrates the
// accept race. Winning is a bare conditional write: first transition to
// commit wins, everyone else fails cleanly with AlreadyTaken. No fairness
// queue; losing the race is the expected outcome, not an error condition.
type Resolver struct {
	store  Store
	ledger *booking.Service
	cache  *redis.Client
	clock  clock.Clock
	feed   booking.Feed
}

func NewResolver(store Store, ledger *booking.Service, cache *redis.Client, clk clock.Clock) *Resolver {
	return &Resolver{
		store:  store,
		ledger: ledger,
		cache:  cache,
		clock:  clk,
	}
}

func (r *Resolver) SetFeed(f booking.Feed) {
	r.feed = f
}

// OpenBookings lists open bookings visible to the provider: matching one
// of their declared service types, still in the future, and only while the
// provider is flagged available.
func (r *Resolver) OpenBookings(ctx context.Context, providerID uint) ([]models.Booking, error) {
	provider, err := r.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if provider.Role != models.RoleProvider || !provider.Available {
		return []models.Booking{}, nil
	}

	all, err := r.openFeed(ctx)
	if err != nil {
		return nil, err
	}

	types := make(map[string]bool, len(provider.ServiceTypes))
	for _, t := range provider.ServiceTypes {
		types[t] = true
	}

	now := r.clock.Now()
	visible := make([]models.Booking, 0, len(all))
	for _, b := range all {
		if !types[b.ServiceType] {
			continue
		}
		if !b.ScheduledStart.After(now) {
			continue
		}
		visible = append(visible, b)
	}
	return visible, nil
}

// Accept arbitrates the race for an open booking. Exactly one caller wins;
// the rest get AlreadyTaken (or, for a stale read that cannot be
// classified, VersionConflict).
func (r *Resolver) Accept(ctx context.Context, bookingID, providerID uint) (*models.Booking, error) {
	provider, err := r.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if provider.Role != models.RoleProvider {
		return nil, ErrNotEligible
	}

	b, err := r.ledger.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BookingOpen {
		return nil, models.ErrAlreadyTaken
	}
	if !eligible(provider, b) {
		return nil, ErrNotEligible
	}

	accepted, err := r.ledger.Transition(ctx, booking.TransitionInput{
		BookingID:       bookingID,
		ExpectedVersion: b.Version,
		From:            []models.BookingStatus{models.BookingOpen},
		To:              models.BookingAccepted,
		ActorID:         providerID,
		Updates:         map[string]interface{}{"provider_id": providerID},
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil, models.ErrAlreadyTaken
		}
		if errors.Is(err, models.ErrVersionConflict) {
			// The stale read usually means someone else won; re-read to
			// report the friendlier outcome.
			if again, gerr := r.ledger.Get(ctx, bookingID); gerr == nil && again.Status != models.BookingOpen {
				return nil, models.ErrAlreadyTaken
			}
			return nil, models.ErrVersionConflict
		}
		return nil, err
	}

	r.invalidateFeed(ctx)
	if r.feed != nil {
		r.feed.BookingTaken(accepted)
	}
	return accepted, nil
}

func eligible(provider *models.User, b *models.Booking) bool {
	for _, t := range provider.ServiceTypes {
		if t == b.ServiceType {
			return true
		}
	}
	return false
}

func (r *Resolver) openFeed(ctx context.Context) ([]models.Booking, error) {
	if r.cache != nil {
		raw, err := r.cache.Get(ctx, openFeedCacheKey).Result()
		if err == nil {
			var cached []models.Booking
			if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
				return cached, nil
			}
		} else if err != redis.Nil {
			logrus.Warnf("open feed cache read: %v", err)
		}
	}

	all, err := r.store.OpenBookings(ctx, 500)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if raw, err := json.Marshal(all); err == nil {
			if err := r.cache.Set(ctx, openFeedCacheKey, raw, openFeedCacheTTL).Err(); err != nil {
				logrus.Warnf("open feed cache write: %v", err)
			}
		}
	}
	return all, nil
}

func (r *Resolver) invalidateFeed(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, openFeedCacheKey).Err(); err != nil {
		logrus.Warnf("open feed cache invalidate: %v", err)
	}
}
