/*
scenarios.go - Demo scenario endpoints

PURPOSE:
  Lets the demo UI or a tester reset the ledger to a known state. The data
  sets themselves live in package seed, which cmd/seed uses as well.

ENDPOINTS:
  GET  /api/scenarios           List scenarios
  GET  /api/scenarios/current   Currently loaded scenario id
  POST /api/scenarios/load      Reset and load {scenario_id}
  POST /api/scenarios/reset     Clear all data
*/
package api

import (
	"net/http"

	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/seed"
)

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(seed.Scenarios))
	for i, s := range seed.Scenarios {
		dtos[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the id of the last loaded scenario.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario resets the ledger and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if _, ok := seed.Find(req.ScenarioID); !ok {
		writeError(w, http.StatusNotFound, ledger.CodeNotFound, "Unknown scenario", req.ScenarioID)
		return
	}

	if err := seed.Load(r.Context(), h.Store, req.ScenarioID); err != nil {
		writeLedgerError(w, r, ledger.OpLookup, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	logging.FromContext(r.Context()).Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// ResetDatabase clears all users, payers and lots.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeLedgerError(w, r, ledger.OpLookup, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
