// Package server provides the HTTP API for submitting and following collaborator searches.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/collagent/internal/session"
	"github.com/jonathan/collagent/internal/types"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrUnknownFormat indicates an unsupported report download format
type ErrUnknownFormat struct {
	Format string
}

func (e *ErrUnknownFormat) Error() string {
	return fmt.Sprintf("unknown report format: %s", e.Format)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var ve *ErrValidation
	var fe *ErrUnknownFormat
	switch {
	case errors.As(err, &ve), errors.As(err, &fe):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	}

	switch types.KindOf(err) {
	case types.ErrConfig:
		return http.StatusBadRequest
	case types.ErrBudgetExhausted:
		return http.StatusUnprocessableEntity
	case types.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorKind names err for JSON error bodies.
func errorKind(err error) string {
	if k := types.KindOf(err); k != "" {
		return string(k)
	}
	switch HTTPStatus(err) {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}
