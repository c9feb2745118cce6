package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

const maxBodyBytes = 1 << 20

var (
	json       = jsoniter.ConfigCompatibleWithStandardLibrary
	strictJSON = jsoniter.Config{
		EscapeHTML:            true,
		SortMapKeys:           true,
		DisallowUnknownFields: true,
	}.Froze()
)

func decodeJSON(r *http.Request, into any) error {
	decoder := strictJSON.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if decoder.More() {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
