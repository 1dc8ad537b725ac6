// Package httpx holds the JSON request and response helpers shared by the HTTP surfaces
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/yegors/sessionpay/internal/apperr"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// NewRequestID returns an identifier for correlating a response with server logs
func NewRequestID() string { return "req_" + uuid.NewString() }

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ReadJSON decodes a single JSON object, rejecting unknown fields. Failures are
// VALIDATION errors.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("malformed request body: %v", err)
	}
	if dec.More() {
		return apperr.Validation("request body has trailing data")
	}
	return nil
}

// ErrorBody is the error envelope of every failed request
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable reason of a failure
type ErrorDetail struct {
	Code      string `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteError writes err with the status its kind maps to. Untyped errors are reported
// as INTERNAL without their text.
func WriteError(w http.ResponseWriter, err error) ErrorDetail {
	detail := ErrorDetail{
		Code:      apperr.CodeOf(err),
		Kind:      string(apperr.KindOf(err)),
		RequestID: NewRequestID(),
	}
	if e, ok := apperr.As(err); ok {
		detail.Message = e.Message
		if detail.Message == "" {
			detail.Message = e.Error()
		}
	} else {
		detail.Message = fmt.Sprintf("internal error (%s)", detail.RequestID)
	}
	WriteJSON(w, apperr.HTTPStatus(err), ErrorBody{Error: detail})
	return detail
}
