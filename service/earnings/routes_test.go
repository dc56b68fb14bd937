package earnings

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/Helphive/helphive-server/cmd/utils"
	"github.com/stretchr/testify/require"
)

func payoutRequest(userID uint, role string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/payouts", strings.NewReader(`{"amount_cents":5000}`))
	ctx := context.WithValue(req.Context(), utils.UserIDKey, userID)
	ctx = context.WithValue(ctx, utils.RoleKey, role)
	return req.WithContext(ctx)
}

func TestRequestPayoutRejectsCustomers(t *testing.T) {
	svc, _, exec := newTestService()
	h := NewHandler(svc)

	rec := httptest.NewRecorder()
	h.RequestPayout(rec, payoutRequest(7, models.RoleCustomer))

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, exec.calls)
}

func TestRequestPayoutAllowsProviders(t *testing.T) {
	svc, store, _ := newTestService()
	creditAvailable(t, svc, store, 1, 7, 5000)
	h := NewHandler(svc)

	rec := httptest.NewRecorder()
	h.RequestPayout(rec, payoutRequest(7, models.RoleProvider))

	require.Equal(t, http.StatusCreated, rec.Code)
}
