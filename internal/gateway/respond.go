package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/basket/taskdeck/internal/fault"
)

var errEmptyBody = errors.New("request body is required")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondFault maps an error through the fault taxonomy onto an HTTP
// status and JSON body.
func respondFault(w http.ResponseWriter, err error) {
	respondJSON(w, fault.HTTPStatus(err), errorResponse{
		Error: err.Error(),
		Code:  string(fault.KindOf(err)),
	})
}

func respondValidation(w http.ResponseWriter, message string) {
	respondFault(w, fault.Validation("%s", message))
}
