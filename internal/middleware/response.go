package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every rejection written by this package.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// writeError writes status with a JSON body whose error field is the status text.
func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:  http.StatusText(status),
		Detail: detail,
	})
}
