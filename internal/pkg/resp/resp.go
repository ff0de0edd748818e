/*
Package resp provides helper functions for constructing and sending standardized HTTP JSON responses.

It defines a unified JSON response structure, including a business code, message, and optional data,
and offers convenient wrappers for both success and error responses of the admin surface.
*/
package resp

import (
	"encoding/json"
	"net/http"

	"chatty/internal/pkg/errs"
	"chatty/internal/pkg/logx"
)

// JSONResponse defines the standardized JSON response structure returned by the admin surface.
type JSONResponse struct {
	// Code is the business status code (0 for success, others for specific errors, see errs package).
	Code int `json:"code"`

	// Message is the status description or error message.
	Message string `json:"message"`

	// Data is the optional response payload.
	Data any `json:"data,omitempty"`
}

// RespondJSON is a generic response function used to set the Content-Type and send the JSON payload.
func RespondJSON(w http.ResponseWriter, r *http.Request, httpStatus int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	response, err := json.Marshal(payload)
	if err != nil {
		logx.Error(
			err,
			"Error encoding JSON response",
			"http_status", httpStatus,
		)

		http.Error(w, "Error encoding JSON response", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(httpStatus)
	_, _ = w.Write(response)
}

// RespondSuccess sends a successful HTTP response (HTTP 200 OK).
func RespondSuccess(w http.ResponseWriter, r *http.Request, data any) {
	res := JSONResponse{
		Code:    0,
		Message: "success",
		Data:    data,
	}
	RespondJSON(w, r, http.StatusOK, res)
}

// RespondError sends an HTTP response containing custom error information.
func RespondError(w http.ResponseWriter, r *http.Request, customErr *errs.CustomError) {
	if customErr == nil {
		customErr = errs.NewError(errs.ErrUnknown)
	}

	res := JSONResponse{
		Code:    customErr.Code,
		Message: customErr.Message,
		Data:    nil,
	}
	RespondJSON(w, r, HTTPStatus(customErr.Code), res)
}

// HTTPStatus maps a business error code onto the HTTP status of the admin response.
func HTTPStatus(code int) int {
	switch {
	case code == errs.ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case code == errs.ErrUnknownNick, code == errs.ErrNoSuchFile:
		return http.StatusNotFound
	case code >= 1000 && code < 3000:
		return http.StatusBadRequest
	case code >= 4000 && code < 5000:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
