package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Helphive/helphive-server/cmd/models"
)

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteDomainError maps engine sentinels to HTTP statuses. Business
// outcomes like AlreadyTaken are conflicts the client handles as normal
// flow, not server errors.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrBookingNotFound), errors.Is(err, models.ErrPayoutNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrAlreadyTaken),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrVersionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, models.ErrInvalidRate),
		errors.Is(err, models.ErrInvalidHours),
		errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidFeeRate),
		errors.Is(err, models.ErrLeadTimeTooShort):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
