package errors

import (
	"encoding/json"
	"net/http"
)

// HTTPErrorResponse wraps a ProxyError for HTTP JSON responses.
type HTTPErrorResponse struct {
	Error ProxyError `json:"error"`
}

// WriteHTTPError writes a ProxyError as an HTTP JSON response.
func WriteHTTPError(w http.ResponseWriter, err *ProxyError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(HTTPErrorResponse{Error: *err})
}
