// Package json holds the response helpers shared by HTTP handlers.
package json

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func Write(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

func WriteError(w http.ResponseWriter, status int, err error, message string) {
	_ = Write(w, status, errorResponse{Error: err.Error(), Message: message})
}

func WriteValidationError(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusBadRequest, err, "Validation failed")
}

func WriteNotFound(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusNotFound, err, "Resource not found")
}

func WriteInternalError(w http.ResponseWriter, err error) {
	_ = Write(w, http.StatusInternalServerError, errorResponse{
		Error:   "internal server error",
		Message: "Something went wrong",
	})
}
