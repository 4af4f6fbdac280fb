// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST endpoints for user accounts, check admission and
// retrieval, tariffs, payments and the admin surface, keeping HTTP concerns
// apart from the business logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/followaudit/followaudit/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		code = http.StatusPaymentRequired
		codeStr = "INSUFFICIENT_BALANCE"
	case errors.Is(err, domain.ErrPaymentAlreadyCompleted):
		code = http.StatusConflict
		codeStr = "PAYMENT_ALREADY_COMPLETED"
	case errors.Is(err, domain.ErrPaymentAmountMismatch):
		code = http.StatusBadRequest
		codeStr = "PAYMENT_AMOUNT_MISMATCH"
	case errors.Is(err, domain.ErrPaymentInvalidStatus):
		code = http.StatusBadRequest
		codeStr = "PAYMENT_INVALID_STATUS"
	case errors.Is(err, domain.ErrPaymentNotFound):
		code = http.StatusNotFound
		codeStr = "PAYMENT_NOT_FOUND"
	case errors.Is(err, domain.ErrSignatureInvalid):
		code = http.StatusBadRequest
		codeStr = "SIGNATURE_INVALID"
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUserNotFound):
		code = http.StatusNotFound
		codeStr = "USER_NOT_FOUND"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrSessionExpired):
		code = http.StatusServiceUnavailable
		codeStr = "SESSION_EXPIRED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
