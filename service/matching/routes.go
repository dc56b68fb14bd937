package matching

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Helphive/helphive-server/cmd/utils"
	"github.com/gorilla/mux"
)

type Handler struct {
	resolver *Resolver
}

func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/matching/open", h.GetOpenBookings).Methods("GET")
	router.HandleFunc("/matching/accept/{id}", h.AcceptBooking).Methods("POST")
}

func (h *Handler) GetOpenBookings(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	bookings, err := h.resolver.OpenBookings(r.Context(), userID)
	if err != nil {
		http.Error(w, "Error retrieving open bookings", http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"bookings": bookings,
		"total":    len(bookings),
	})
}

func (h *Handler) AcceptBooking(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	bookingID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid booking ID", http.StatusBadRequest)
		return
	}

	b, err := h.resolver.Accept(r.Context(), uint(bookingID), userID)
	if err != nil {
		if errors.Is(err, ErrNotEligible) {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		utils.WriteDomainError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, b)
}
