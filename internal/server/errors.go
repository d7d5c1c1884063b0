package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/roach88/steptrace/internal/trace"
	"github.com/roach88/steptrace/internal/transport"
)

// Additional error codes used only at the HTTP boundary.
const (
	codePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	codeInternal        = "INTERNAL"
	codeUnsupported     = "UNSUPPORTED_ENCODING"
)

// errUnsupportedEncoding marks a request body with an unknown
// Content-Encoding.
var errUnsupportedEncoding = errors.New("unsupported content encoding")

// ErrorBody is the JSON error envelope returned by every failing route.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Fields  []trace.FieldError `json:"fields,omitempty"`
}

// statusFor maps an error to its HTTP status and wire detail.
//
//	VALIDATION_ERROR  -> 400
//	NOT_FOUND         -> 404
//	STORAGE_CONFLICT  -> 409
//	body too large    -> 413
//	unknown encoding  -> 415
//	anything else     -> 500 (detail withheld)
func statusFor(err error) (int, ErrorDetail) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, transport.ErrBodyTooLarge) {
		return http.StatusRequestEntityTooLarge, ErrorDetail{
			Code:    codePayloadTooLarge,
			Message: "request body too large",
		}
	}

	if errors.Is(err, errUnsupportedEncoding) {
		return http.StatusUnsupportedMediaType, ErrorDetail{
			Code:    codeUnsupported,
			Message: err.Error(),
		}
	}

	var te *trace.Error
	if errors.As(err, &te) {
		detail := ErrorDetail{Code: string(te.Code), Message: te.Message, Fields: te.Fields}
		switch te.Code {
		case trace.ErrCodeValidation:
			return http.StatusBadRequest, detail
		case trace.ErrCodeNotFound:
			detail.Message = te.Error()
			return http.StatusNotFound, detail
		case trace.ErrCodeStorageConflict:
			return http.StatusConflict, detail
		}
	}

	return http.StatusInternalServerError, ErrorDetail{
		Code:    codeInternal,
		Message: "internal error",
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
