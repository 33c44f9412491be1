/*
handlers.go - HTTP API handlers for farm payroll

PURPOSE:
  Exposes the payroll engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the payroll package.

ENDPOINTS:
  Workers:
    GET    /api/workers                   List workers
    POST   /api/workers                   Create or replace a worker
    GET    /api/workers/{id}              Worker details
    GET    /api/workers/{id}/loans        Worker's loans, oldest first
    GET    /api/workers/{id}/payroll      Worker's payslips

  Loans:
    GET    /api/loans?worker_id=&status=  List loans
    POST   /api/loans                     Disburse a loan
    GET    /api/loans/{id}                Loan details
    POST   /api/loans/{id}/installments   Pay one installment by hand

  Payroll:
    GET    /api/payroll?week=&year=&worker_id=&status=
    POST   /api/payroll                   Create a pending record
    GET    /api/payroll/{id}              Record details
    PUT    /api/payroll/{id}/status       {"status":"paid"|"pending"}
    GET    /api/payroll/{id}/history      Committed transitions
    POST   /api/periods/{year}/{week}/payout  Pay every pending record

  Admin:
    GET    /api/admin/consistency         Run the invariant checks now
    GET    /api/admin/audit               Scheduled audit status
    POST   /api/admin/audit/run           Run the scheduled audit now

  Scenarios: see scenarios.go

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Worker, loan, record or scenario not found
  - 409: Loan already settled, duplicate record for the period
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario endpoints
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/farm-payroll/payroll"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the handlers need from persistence.
type Store interface {
	payroll.TxStore
	payroll.WorkerDirectory
	SaveWorker(ctx context.Context, w payroll.Worker) error
	ListWorkers(ctx context.Context) ([]payroll.Worker, error)
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  Store
	Engine *payroll.Engine
	Logger *zap.Logger

	// Audit is optional; without it the audit endpoints run unscheduled checks.
	Audit *AuditScheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. The engine shares the handler's store.
func NewHandler(store Store, engine *payroll.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:  store,
		Engine: engine,
		Logger: logger,
	}
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// WORKER HANDLERS
// =============================================================================

// ListWorkers returns all workers.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.Store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list workers", err)
		return
	}
	dtos := make([]WorkerDTO, len(workers))
	for i, wk := range workers {
		dtos[i] = toWorkerDTO(wk)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWorker returns a single worker.
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.Store.ResolveWorker(r.Context(), payroll.WorkerID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get worker", err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkerDTO(worker))
}

// SaveWorker creates or replaces a worker.
func (h *Handler) SaveWorker(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var invalid error
	switch {
	case req.ID == "":
		invalid = &payroll.InvalidArgumentError{Field: "id", Reason: "required"}
	case req.Name == "":
		invalid = &payroll.InvalidArgumentError{Field: "name", Reason: "required"}
	case req.DailyRate.IsNegative():
		invalid = &payroll.InvalidArgumentError{Field: "daily_rate", Reason: "must not be negative"}
	}
	if invalid != nil {
		writeDomainError(w, "Invalid worker", invalid)
		return
	}

	worker := payroll.Worker{
		ID:        payroll.WorkerID(req.ID),
		Name:      req.Name,
		Role:      req.Role,
		Farm:      req.Farm,
		DailyRate: req.DailyRate,
		Active:    req.Active == nil || *req.Active,
	}
	if err := h.Store.SaveWorker(r.Context(), worker); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save worker", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkerDTO(worker))
}

// GetWorkerLoans returns the worker's loans in deduction order.
func (h *Handler) GetWorkerLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Store.LoansByWorker(r.Context(), payroll.WorkerID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list loans", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTOs(loans))
}

// GetWorkerPayroll returns the worker's payslips.
func (h *Handler) GetWorkerPayroll(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.RecordsByWorker(r.Context(), payroll.WorkerID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payroll records", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns loans, optionally filtered by worker_id and status.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var loans []payroll.Loan
	var err error
	if workerID := q.Get("worker_id"); workerID != "" {
		loans, err = h.Store.LoansByWorker(ctx, payroll.WorkerID(workerID))
	} else {
		loans, err = h.Store.ListLoans(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list loans", err)
		return
	}

	if status := q.Get("status"); status != "" {
		filtered := loans[:0]
		for _, l := range loans {
			if string(l.Status) == status {
				filtered = append(filtered, l)
			}
		}
		loans = filtered
	}
	writeJSON(w, http.StatusOK, toLoanDTOs(loans))
}

// GetLoan returns a single loan.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Store.GetLoan(r.Context(), payroll.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// CreateLoan disburses a loan.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := payroll.LoanInput{
		ID:               payroll.LoanID(req.ID),
		WorkerID:         payroll.WorkerID(req.WorkerID),
		Principal:        req.Principal,
		InstallmentCount: req.InstallmentCount,
		Reason:           req.Reason,
	}
	if req.DisbursedAt != "" {
		at, err := time.Parse("2006-01-02", req.DisbursedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid disbursed_at (use YYYY-MM-DD)", err)
			return
		}
		in.DisbursedAt = at
	}

	loan, err := h.Engine.CreateLoan(r.Context(), in)
	if err != nil {
		writeDomainError(w, "Failed to create loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(loan))
}

// PayInstallment records one manual installment payment.
func (h *Handler) PayInstallment(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Engine.PayInstallment(r.Context(), payroll.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to pay installment", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// =============================================================================
// PAYROLL HANDLERS
// =============================================================================

// ListPayroll returns records. week and year must be given together.
func (h *Handler) ListPayroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var records []payroll.PayrollRecord
	var err error
	switch {
	case q.Get("week") != "" || q.Get("year") != "":
		week, werr := strconv.Atoi(q.Get("week"))
		year, yerr := strconv.Atoi(q.Get("year"))
		if werr != nil || yerr != nil {
			writeError(w, http.StatusBadRequest, "week and year must both be integers", errors.Join(werr, yerr))
			return
		}
		records, err = h.Store.RecordsByPeriod(ctx, week, year)
	case q.Get("worker_id") != "":
		records, err = h.Store.RecordsByWorker(ctx, payroll.WorkerID(q.Get("worker_id")))
	default:
		records, err = h.Store.ListRecords(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payroll records", err)
		return
	}

	workerID := q.Get("worker_id")
	status := q.Get("status")
	filtered := records[:0]
	for _, rec := range records {
		if workerID != "" && string(rec.WorkerID) != workerID {
			continue
		}
		if status != "" && string(rec.Status) != status {
			continue
		}
		filtered = append(filtered, rec)
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(filtered))
}

// GetPayroll returns a single record.
func (h *Handler) GetPayroll(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.GetRecord(r.Context(), payroll.RecordID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get payroll record", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// CreatePayroll computes and stores a pending record.
func (h *Handler) CreatePayroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePayrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := payroll.PayrollInput{
		ID:                    payroll.RecordID(req.ID),
		WorkerID:              payroll.WorkerID(req.WorkerID),
		Week:                  req.Week,
		Year:                  req.Year,
		DaysWorked:            req.DaysWorked,
		OvertimeHours:         req.OvertimeHours,
		HarvestBonus:          req.HarvestBonus,
		SpecialTaskBonus:      req.SpecialTaskBonus,
		Fines:                 req.Fines,
		Withholding:           req.Withholding,
		LoanDeductionEstimate: req.LoanDeduction,
	}
	if req.DailyRate != nil {
		in.DailyRate = *req.DailyRate
	} else if req.WorkerID != "" {
		worker, err := h.Store.ResolveWorker(ctx, in.WorkerID)
		if err != nil {
			writeDomainError(w, "No daily_rate given and worker lookup failed", err)
			return
		}
		in.DailyRate = worker.DailyRate
	}

	rec, err := h.Engine.CreateRecord(ctx, in)
	if err != nil {
		writeDomainError(w, "Failed to create payroll record", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(rec))
}

// SetPayrollStatus moves a record between pending and paid.
func (h *Handler) SetPayrollStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	target, err := payroll.ParsePayrollStatus(req.Status)
	if err != nil {
		writeDomainError(w, "Invalid status", err)
		return
	}

	t, err := h.Engine.SetPayrollStatus(r.Context(), payroll.RecordID(chi.URLParam(r, "id")), target)
	if err != nil {
		writeDomainError(w, "Failed to change payroll status", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTO(t))
}

// GetPayrollHistory returns the committed transitions of a record.
func (h *Handler) GetPayrollHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.History(r.Context(), payroll.RecordID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get history", err)
		return
	}
	dtos := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = HistoryEntryDTO{
			ID:     e.ID,
			From:   string(e.From),
			To:     string(e.To),
			Amount: e.Amount,
			Deltas: toDeltaDTOs(e.Deltas),
			At:     e.At.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PayPeriod pays every pending record of one week.
func (h *Handler) PayPeriod(w http.ResponseWriter, r *http.Request) {
	year, yerr := strconv.Atoi(chi.URLParam(r, "year"))
	week, werr := strconv.Atoi(chi.URLParam(r, "week"))
	if yerr != nil || werr != nil {
		writeError(w, http.StatusBadRequest, "year and week must be integers", errors.Join(yerr, werr))
		return
	}

	transitions, err := h.Engine.PayPeriod(r.Context(), week, year)
	if err != nil {
		// Transitions that committed before the failure stay committed.
		h.Logger.Warn("period payout stopped early",
			zap.Int("week", week), zap.Int("year", year),
			zap.Int("committed", len(transitions)), zap.Error(err))
		writeDomainError(w, fmt.Sprintf("Payout stopped after %d records", len(transitions)), err)
		return
	}

	dto := PeriodPayoutDTO{
		Week:        week,
		Year:        year,
		Paid:        len(transitions),
		Transitions: make([]TransitionDTO, len(transitions)),
	}
	for i, t := range transitions {
		dto.Transitions[i] = toTransitionDTO(t)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CheckConsistency runs the invariant checks without touching the audit
// history.
func (h *Handler) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	violations, err := payroll.CheckConsistency(r.Context(), h.Store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Consistency check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsistencyDTO(AuditReport{At: time.Now(), Violations: violations}))
}

// GetAuditStatus describes the schedule and the last audit report.
func (h *Handler) GetAuditStatus(w http.ResponseWriter, r *http.Request) {
	var dto AuditStatusDTO
	if h.Audit != nil {
		dto.Enabled = h.Audit.Enabled()
		dto.Schedule = h.Audit.Schedule
		if next := h.Audit.NextRun(); !next.IsZero() {
			dto.NextRun = next.Format(time.RFC3339)
		}
		if last, ok := h.Audit.LastReport(); ok {
			c := toConsistencyDTO(last)
			dto.Last = &c
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// RunAudit runs the scheduled audit immediately.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "Audit scheduler not configured", nil)
		return
	}
	report := h.Audit.RunNow(r.Context())
	if report.Err != nil {
		writeError(w, http.StatusInternalServerError, "Audit failed", report.Err)
		return
	}
	writeJSON(w, http.StatusOK, toConsistencyDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the payroll error taxonomy.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, payroll.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payroll.ErrAlreadySettled), errors.Is(err, payroll.ErrDuplicateRecord):
		return http.StatusConflict
	case errors.Is(err, payroll.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
