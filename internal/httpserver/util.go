package httpserver

import (
	"encoding/json"
	"net/http"
)

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func pathSegment(r *http.Request, name string) string {
	return r.PathValue(name)
}
