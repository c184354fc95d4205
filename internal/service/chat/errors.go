package chat

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNoCustomer          = errors.New("no billing customer")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidInput        = errors.New("invalid input")
)

// Error is a rejected turn. Message is safe to show to the client.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func reject(kind error, message string) error {
	return &Error{Kind: kind, Message: message}
}

// HTTPStatus maps a turn error onto the response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNoCustomer):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the client-facing text for err.
func PublicMessage(err error) string {
	var turnErr *Error
	if errors.As(err, &turnErr) {
		return turnErr.Message
	}
	return "An error occurred while processing your request"
}
