package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/tally/internal/domain/types"
)

// TallyReader defines the read operations on published tallies.
type TallyReader interface {
	Tallies() ([]types.TallyEntry, error)
	Tally(id uint64) (types.EntityReport, error)
}

// TalliesHandler handles tally requests.
type TalliesHandler struct {
	reader TallyReader
}

// NewTalliesHandler creates a new tallies handler.
func NewTalliesHandler(reader TallyReader) *TalliesHandler {
	return &TalliesHandler{reader: reader}
}

// HandleList handles GET /tallies requests.
func (h *TalliesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.reader.Tallies()
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGet handles GET /tallies/{entity} requests.
func (h *TalliesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("entity")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: entity %q", ErrBadRequest, raw))
		return
	}
	rep, err := h.reader.Tally(id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
