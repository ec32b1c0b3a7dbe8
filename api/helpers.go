package api

import (
	"encoding/json"
	"net/http"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
)

// maxBodySize bounds request bodies; sponsored transactions are a few KB at
// most.
const maxBodySize = 1 << 20

// httpWriteJSON writes data as a JSON response.
func httpWriteJSON(w http.ResponseWriter, data any) {
	httpWriteJSONStatus(w, http.StatusOK, data)
}

func httpWriteJSONStatus(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		ErrInternal.WithErr(err).Write(w, "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Warnw("failed to write http response", "error", err.Error())
	}
}

// decodeBody decodes a bounded JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	return decoder.Decode(dst)
}
