package booking

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/Helphive/helphive-server/cmd/utils"
	"github.com/gorilla/mux"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/bookings", h.CreateBooking).Methods("POST")
	router.HandleFunc("/bookings/{id}", h.GetBooking).Methods("GET")
	router.HandleFunc("/bookings/{id}/pay", h.PayBooking).Methods("POST")
	router.HandleFunc("/bookings/customer/{customerId}", h.GetCustomerBookings).Methods("GET")
	router.HandleFunc("/bookings/provider/{providerId}", h.GetProviderBookings).Methods("GET")
	router.HandleFunc("/bookings/{id}/cancel", h.CancelBooking).Methods("POST")
	router.HandleFunc("/bookings/{id}/start", h.StartBooking).Methods("POST")
	router.HandleFunc("/bookings/{id}/complete", h.CompleteBooking).Methods("POST")
}

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ServiceType     string    `json:"service_type"`
		HourlyRateCents int64     `json:"hourly_rate_cents"`
		Hours           int       `json:"hours"`
		Currency        string    `json:"currency"`
		ScheduledStart  time.Time `json:"scheduled_start"`
		DurationHours   int       `json:"duration_hours"`
		Address         string    `json:"address"`
		Latitude        float64   `json:"latitude"`
		Longitude       float64   `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	b, err := h.service.Create(r.Context(), CreateInput{
		CustomerID:      userID,
		ServiceType:     req.ServiceType,
		HourlyRateCents: req.HourlyRateCents,
		Hours:           req.Hours,
		Currency:        req.Currency,
		ScheduledStart:  req.ScheduledStart,
		DurationHours:   req.DurationHours,
		Address:         req.Address,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
	})
	if err != nil {
		utils.WriteDomainError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, b)
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "Invalid booking ID", http.StatusBadRequest)
		return
	}

	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		utils.WriteDomainError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) PayBooking(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "Invalid booking ID", http.StatusBadRequest)
		return
	}

	b, err := h.service.Pay(r.Context(), id, userID)
	if err != nil {
		utils.WriteDomainError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) GetCustomerBookings(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "customerId")
	if err != nil {
		http.Error(w, "Invalid customer ID", http.StatusBadRequest)
		return
	}
	h.listBookings(w, r, func(page, pageSize int) ([]models.Booking, int64, error) {
		return h.service.ListByCustomer(r.Context(), id, page, pageSize)
	})
}

func (h *Handler) GetProviderBookings(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "providerId")
	if err != nil {
		http.Error(w, "Invalid provider ID", http.StatusBadRequest)
		return
	}
	h.listBookings(w, r, func(page, pageSize int) ([]models.Booking, int64, error) {
		return h.service.ListByProvider(r.Context(), id, page, pageSize)
	})
}

func (h *Handler) listBookings(w http.ResponseWriter, r *http.Request, list func(page, pageSize int) ([]models.Booking, int64, error)) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 100

	bookings, total, err := list(page, pageSize)
	if err != nil {
		http.Error(w, "Error retrieving bookings", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"bookings":    bookings,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "Invalid booking ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional on cancel.
	_ = json.NewDecoder(r.Body).Decode(&req)

	b, err := h.service.Cancel(r.Context(), id, userID, req.Reason)
	if err != nil {
		utils.WriteDomainError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) StartBooking(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "Invalid booking ID", http.StatusBadRequest)
		return
	}

	b, err := h.service.Start(r.Context(), id, userID)
	if err != nil {
		utils.WriteDomainError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "Invalid booking ID", http.StatusBadRequest)
		return
	}

	b, err := h.service.Complete(r.Context(), id, userID)
	if err != nil {
		utils.WriteDomainError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, b)
}

func parseID(r *http.Request, key string) (uint, error) {
	raw := mux.Vars(r)[key]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}
