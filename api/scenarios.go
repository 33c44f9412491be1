/*
scenarios.go - Demo scenario endpoints

PURPOSE:

	Lets the dashboard swap the whole data set for one of the embedded
	scenarios in package scenario. Loading resets the store first.

USAGE VIA API:

	GET  /api/scenarios            List scenarios
	GET  /api/scenarios/current    Last loaded scenario, or null
	POST /api/scenarios/load       {"scenario_id": "banana-week"}
	POST /api/scenarios/reset      Empty the store

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - scenario/scenario.go: YAML format and loader
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/warp/farm-payroll/scenario"
	"go.uber.org/zap"
)

func toScenarioDTO(s scenario.Scenario) ScenarioDTO {
	return ScenarioDTO{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Workers:     len(s.Workers),
		Loans:       len(s.Loans),
		Records:     len(s.Records),
	}
}

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := scenario.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(all))
	for i, s := range all {
		dtos[i] = toScenarioDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	id := h.currentScenario
	h.mu.Unlock()

	if id == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, err := scenario.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, toScenarioDTO(s))
}

// LoadScenario resets the store and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, err := scenario.Get(req.ScenarioID)
	if err != nil {
		writeDomainError(w, "Unknown scenario", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.currentScenario = ""
	if err := scenario.Load(r.Context(), s, h.Engine, h.Store); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = s.ID
	h.Logger.Info("scenario loaded", zap.String("scenario", s.ID))

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": s.ID,
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	h.Logger.Info("store reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
