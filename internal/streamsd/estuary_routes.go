package streamsd

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/durable-streams/streams-engine/internal/engineerr"
)

// DefaultEstuaryTTLSeconds is applied when a subscribe/touch request omits
// ?ttl, spec.md §4.7's estuary TTL default.
const DefaultEstuaryTTLSeconds = 300

// handleEstuarySubscribeRoute implements POST/DELETE
// /v1/estuary/subscribe/<project>/<sourceStream>, spec.md §6's estuary
// subscription endpoints.
func (h *Handler) handleEstuarySubscribeRoute(w http.ResponseWriter, r *http.Request, rawPath string) error {
	project, sourceStream, err := splitProjectStream(rawPath)
	if err != nil {
		return err
	}
	ttl, err := parseEstuaryTTL(r)
	if err != nil {
		return err
	}

	switch r.Method {
	case http.MethodPost:
		estuaryID := r.URL.Query().Get("estuary_id")
		res, serr := h.Estuary.Subscribe(r.Context(), project, sourceStream, estuaryID, ttl)
		if serr != nil {
			return serr
		}
		status := http.StatusOK
		if res.IsNewEstuary {
			status = http.StatusCreated
		}
		return writeJSON(w, status, map[string]any{
			"estuaryId":         res.EstuaryID,
			"sourceStreamId":    res.SourceStreamID,
			"estuaryStreamPath": res.EstuaryStreamPath,
			"expiresAt":         res.ExpiresAt,
		})
	case http.MethodDelete:
		estuaryID := r.URL.Query().Get("estuary_id")
		if estuaryID == "" {
			return engineerr.New(engineerr.CodeEmptyQueryParam, "estuary_id is required")
		}
		if err := h.Estuary.Unsubscribe(r.Context(), project, sourceStream, estuaryID); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
}

// handleEstuaryRoute implements GET/POST/DELETE /v1/estuary/<project>/<id>:
// list sources, extend TTL, or tear the estuary down immediately.
func (h *Handler) handleEstuaryRoute(w http.ResponseWriter, r *http.Request, rawPath string) error {
	project, estuaryID, err := splitProjectStream(rawPath)
	if err != nil {
		return err
	}

	switch r.Method {
	case http.MethodGet:
		sources, lerr := h.Estuary.List(project, estuaryID)
		if lerr != nil {
			return lerr
		}
		return writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
	case http.MethodPost:
		ttl, terr := parseEstuaryTTL(r)
		if terr != nil {
			return terr
		}
		if err := h.Estuary.Touch(project, estuaryID, ttl); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	case http.MethodDelete:
		if err := h.Estuary.Delete(r.Context(), project, estuaryID); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
}

func splitProjectStream(rawPath string) (project, stream string, err error) {
	parts := strings.SplitN(strings.Trim(rawPath, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", engineerr.New(engineerr.CodeMissingProjectOrStreamID, "expected <project>/<id> in path")
	}
	return parts[0], parts[1], nil
}

func parseEstuaryTTL(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("ttl")
	if raw == "" {
		return DefaultEstuaryTTLSeconds, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, engineerr.New(engineerr.CodeInvalidExpiresAt, "invalid ttl")
	}
	return v, nil
}
