package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_ListLoadReset(t *testing.T) {
	s := newTestServer(t)

	var all []ScenarioDTO
	s.must(http.StatusOK, "GET", "/api/scenarios", nil, &all)
	require.Len(t, all, 2)
	assert.Equal(t, "banana-week", all[0].ID)
	assert.Equal(t, 4, all[0].Workers)

	// Nothing loaded yet
	rec := s.do("GET", "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "null", rec.Body.String())

	s.must(http.StatusOK, "POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "scenario-a"}, nil)

	var current ScenarioDTO
	s.must(http.StatusOK, "GET", "/api/scenarios/current", nil, &current)
	assert.Equal(t, "scenario-a", current.ID)
	assert.Equal(t, 2, current.Loans)

	var tr TransitionDTO
	s.must(http.StatusOK, "PUT", "/api/payroll/r/status", SetStatusRequest{Status: "paid"}, &tr)
	assert.Equal(t, "185.00", tr.Record.NetPay.String())

	var reset map[string]string
	s.must(http.StatusOK, "POST", "/api/scenarios/reset", nil, &reset)
	assert.Equal(t, "reset", reset["status"])

	var loans []LoanDTO
	s.must(http.StatusOK, "GET", "/api/loans", nil, &loans)
	assert.Empty(t, loans)

	rec = s.do("GET", "/api/scenarios/current", nil)
	var v any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Nil(t, v)
}
