package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
)

// maxBodyBytes bounds request bodies; callbacks carry per-SKU payloads.
const maxBodyBytes = 4 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the coordinator error taxonomy onto HTTP. Internal
// causes are logged and never sent to the client.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := coordinator.KindOf(err)
	if kind == coordinator.KindInternal {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, kind.HTTPStatus(), coordinator.PublicMessage(err))
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return coordinator.Validation("failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return coordinator.Validation("request body too large")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			return coordinator.Validation(fmt.Sprintf("invalid JSON at offset %d", syntaxErr.Offset))
		case errors.As(err, &typeErr):
			return coordinator.Validation(fmt.Sprintf("invalid value for %s", typeErr.Field))
		default:
			return coordinator.Validation("invalid JSON")
		}
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, coordinator.Validation("failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, coordinator.Validation("request body too large")
	}
	return body, nil
}
