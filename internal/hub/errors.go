package hub

import "errors"

// Sentinel errors for the error kinds this package owns, wrapped with
// %w at the boundary that detects them so callers can errors.Is/As
// instead of string matching.
var (
	ErrDelivery = errors.New("delivery error")
	ErrProtocol = errors.New("protocol error")
	ErrState    = errors.New("state error")
)

// apiError is the wire shape of every non-2xx JSON response.
type apiError struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
