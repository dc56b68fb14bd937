package dashboard

import (
	"net/http"
	"strconv"

	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/Helphive/helphive-server/cmd/utils"
	"github.com/Helphive/helphive-server/service/earnings"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type Handler struct {
	db       *gorm.DB
	earnings *earnings.Service
}

func NewHandler(db *gorm.DB, earningsSvc *earnings.Service) *Handler {
	return &Handler{db: db, earnings: earningsSvc}
}

type ProviderStats struct {
	BookingCounts  map[string]int64        `json:"booking_counts"`
	CompletedCents int64                   `json:"completed_gross_cents"`
	NetEarnedCents int64                   `json:"net_earned_cents"`
	Balance        earnings.BalanceSummary `json:"balance"`
}

type PlatformStats struct {
	TotalCustomers   int64 `json:"total_customers"`
	TotalProviders   int64 `json:"total_providers"`
	TotalBookings    int64 `json:"total_bookings"`
	PlatformFeeCents int64 `json:"platform_fee_cents"`
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/dashboard/stats", h.GetPlatformStats).Methods("GET")
	router.HandleFunc("/dashboard/provider/{id}", h.GetProviderStats).Methods("GET")
}

func (h *Handler) GetPlatformStats(w http.ResponseWriter, r *http.Request) {
	var stats PlatformStats

	h.db.Model(&models.User{}).Where("role = ?", models.RoleCustomer).Count(&stats.TotalCustomers)
	h.db.Model(&models.User{}).Where("role = ?", models.RoleProvider).Count(&stats.TotalProviders)
	h.db.Model(&models.Booking{}).Count(&stats.TotalBookings)

	var fee struct{ Total int64 }
	h.db.Model(&models.Booking{}).
		Select("COALESCE(SUM(platform_fee_cents), 0) AS total").
		Where("status = ?", models.BookingCompleted).
		Scan(&fee)
	stats.PlatformFeeCents = fee.Total

	utils.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) GetProviderStats(w http.ResponseWriter, r *http.Request) {
	providerID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid provider ID", http.StatusBadRequest)
		return
	}

	stats := ProviderStats{BookingCounts: map[string]int64{}}

	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	if err := h.db.Model(&models.Booking{}).
		Select("status, COUNT(*) AS count").
		Where("provider_id = ?", providerID).
		Group("status").
		Scan(&rows).Error; err != nil {
		http.Error(w, "Error retrieving booking counts", http.StatusInternalServerError)
		return
	}
	for _, row := range rows {
		stats.BookingCounts[row.Status] = row.Count
	}

	var totals struct {
		Gross int64
		Net   int64
	}
	h.db.Model(&models.Booking{}).
		Select("COALESCE(SUM(gross_cents), 0) AS gross, COALESCE(SUM(net_provider_cents), 0) AS net").
		Where("provider_id = ? AND status = ?", providerID, models.BookingCompleted).
		Scan(&totals)
	stats.CompletedCents = totals.Gross
	stats.NetEarnedCents = totals.Net

	balance, err := h.earnings.Balance(r.Context(), uint(providerID))
	if err != nil {
		http.Error(w, "Error retrieving balance", http.StatusInternalServerError)
		return
	}
	stats.Balance = balance

	utils.WriteJSON(w, http.StatusOK, stats)
}
