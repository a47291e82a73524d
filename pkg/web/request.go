package web

import (
	"net/http"
)

// Param returns the web call parameters from the request.
func Param(r *http.Request, key string) string {
	return r.PathValue(key)
}

// QueryParam returns the specified query parameter from the request, or the
// empty string when absent.
func QueryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}
