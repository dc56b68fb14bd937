package earnings

import (
	"encoding/json"
	"net/http"
	"strconv"

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
	router.HandleFunc("/earnings", h.GetEarnings).Methods("GET")
	router.HandleFunc("/earnings/balance", h.GetBalance).Methods("GET")
	router.HandleFunc("/payouts", h.RequestPayout).Methods("POST")
	router.HandleFunc("/payouts", h.GetPayouts).Methods("GET")
}

func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 100

	entries, total, err := h.service.ListEntries(r.Context(), userID, page, pageSize)
	if err != nil {
		http.Error(w, "Error retrieving earnings", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"earnings":    entries,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	summary, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		http.Error(w, "Error retrieving balance", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, http.StatusOK, summary)
}

func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	role, err := utils.GetRoleFromContext(r)
	if err != nil || role != models.RoleProvider {
		http.Error(w, "Only providers can request payouts", http.StatusForbidden)
		return
	}

	var req struct {
		AmountCents int64 `json:"amount_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payout, err := h.service.RequestPayout(r.Context(), userID, req.AmountCents)
	if err != nil {
		utils.WriteDomainError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, payout)
}

func (h *Handler) GetPayouts(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 100

	payouts, total, err := h.service.ListPayouts(r.Context(), userID, page, pageSize)
	if err != nil {
		http.Error(w, "Error retrieving payouts", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"payouts":     payouts,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}
