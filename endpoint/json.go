package endpoint

import (
	"encoding/json"
	"net/http"
)

// JSONRenderer writes Value as JSON. Status defaults to 200.
//
// Responses carry Cache-Control: no-store, since API bodies may hold tokens
// or ceremony challenges. An encoding error is returned after the status has
// been written, so it can only be logged.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}
