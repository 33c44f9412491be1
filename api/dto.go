/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the payroll domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as quoted decimal strings ("185.00"), both ways. Plain JSON
  numbers are accepted on input. Input with more than two decimal places
  ("12.345") is rejected with 400, never rounded.

TYPES:
  Workers:     WorkerDTO, CreateWorkerRequest
  Loans:       LoanDTO, CreateLoanRequest
  Payroll:     PayrollRecordDTO, LoanDeltaDTO, CreatePayrollRequest,
               SetStatusRequest, TransitionDTO, HistoryEntryDTO,
               PeriodPayoutDTO
  Admin:       ViolationDTO, ConsistencyDTO, AuditStatusDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the payroll package, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/farm-payroll/payroll"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// WorkerDTO represents a worker in API responses.
type WorkerDTO struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Role      string        `json:"role,omitempty"`
	Farm      string        `json:"farm,omitempty"`
	DailyRate payroll.Money `json:"daily_rate"`
	Active    bool          `json:"active"`
}

// CreateWorkerRequest creates or replaces a worker. Active defaults to true.
type CreateWorkerRequest struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Role      string        `json:"role"`
	Farm      string        `json:"farm"`
	DailyRate payroll.Money `json:"daily_rate"`
	Active    *bool         `json:"active,omitempty"`
}

// LoanDTO represents a loan in API responses.
type LoanDTO struct {
	ID                 string        `json:"id"`
	WorkerID           string        `json:"worker_id"`
	Sequence           int64         `json:"sequence"`
	Principal          payroll.Money `json:"principal"`
	InstallmentCount   int           `json:"installment_count"`
	InstallmentAmount  payroll.Money `json:"installment_amount"`
	InstallmentsPaid   int           `json:"installments_paid"`
	OutstandingBalance payroll.Money `json:"outstanding_balance"`
	Status             string        `json:"status"`
	DisbursedAt        string        `json:"disbursed_at"`
	Reason             string        `json:"reason,omitempty"`
}

// CreateLoanRequest disburses a loan. DisbursedAt is YYYY-MM-DD, default today.
type CreateLoanRequest struct {
	ID               string        `json:"id,omitempty"`
	WorkerID         string        `json:"worker_id"`
	Principal        payroll.Money `json:"principal"`
	InstallmentCount int           `json:"installment_count"`
	DisbursedAt      string        `json:"disbursed_at,omitempty"`
	Reason           string        `json:"reason,omitempty"`
}

// LoanDeltaDTO is one loan's share of an applied deduction.
type LoanDeltaDTO struct {
	LoanID               string        `json:"loan_id"`
	Amount               payroll.Money `json:"amount"`
	InstallmentsCredited int           `json:"installments_credited"`
	SettledByDeduction   bool          `json:"settled_by_deduction,omitempty"`
}

// PayrollRecordDTO represents a payroll record in API responses.
type PayrollRecordDTO struct {
	ID                        string         `json:"id"`
	WorkerID                  string         `json:"worker_id"`
	Week                      int            `json:"week"`
	Year                      int            `json:"year"`
	DaysWorked                int            `json:"days_worked"`
	OvertimeHours             string         `json:"overtime_hours"`
	BaseWage                  payroll.Money  `json:"base_wage"`
	OvertimePay               payroll.Money  `json:"overtime_pay"`
	HarvestBonus              payroll.Money  `json:"harvest_bonus"`
	SpecialTaskBonus          payroll.Money  `json:"special_task_bonus"`
	GrossIncome               payroll.Money  `json:"gross_income"`
	SocialSecurityWithholding payroll.Money  `json:"social_security_withholding"`
	Fines                     payroll.Money  `json:"fines"`
	LoanDeduction             payroll.Money  `json:"loan_deduction"`
	TotalDeductions           payroll.Money  `json:"total_deductions"`
	NetPay                    payroll.Money  `json:"net_pay"`
	Status                    string         `json:"status"`
	LoanDeductionApplied      bool           `json:"loan_deduction_applied"`
	LoanDeltas                []LoanDeltaDTO `json:"loan_deltas"`
	PaidAt                    *string        `json:"paid_at,omitempty"`
	CreatedAt                 string         `json:"created_at"`
}

// CreatePayrollRequest is one worker-week. DailyRate defaults to the
// worker's contract rate.
type CreatePayrollRequest struct {
	ID               string          `json:"id,omitempty"`
	WorkerID         string          `json:"worker_id"`
	Week             int             `json:"week"`
	Year             int             `json:"year"`
	DaysWorked       int             `json:"days_worked"`
	OvertimeHours    decimal.Decimal `json:"overtime_hours"`
	DailyRate        *payroll.Money  `json:"daily_rate,omitempty"`
	HarvestBonus     payroll.Money   `json:"harvest_bonus"`
	SpecialTaskBonus payroll.Money   `json:"special_task_bonus"`
	Fines            payroll.Money   `json:"fines"`
	Withholding      *payroll.Money  `json:"social_security_withholding,omitempty"`
	LoanDeduction    payroll.Money   `json:"loan_deduction"`
}

// SetStatusRequest is the body of PUT /api/payroll/{id}/status.
type SetStatusRequest struct {
	Status string `json:"status"`
}

// TransitionDTO is the result of a status change.
type TransitionDTO struct {
	Record  PayrollRecordDTO `json:"record"`
	From    string           `json:"from"`
	To      string           `json:"to"`
	Changed bool             `json:"changed"`
	Loans   []LoanDTO        `json:"loans"`
}

// HistoryEntryDTO is one committed transition of a record.
type HistoryEntryDTO struct {
	ID     string         `json:"id"`
	From   string         `json:"from"`
	To     string         `json:"to"`
	Amount payroll.Money  `json:"amount"`
	Deltas []LoanDeltaDTO `json:"deltas"`
	At     string         `json:"at"`
}

// PeriodPayoutDTO summarizes POST /api/periods/{year}/{week}/payout.
type PeriodPayoutDTO struct {
	Week        int             `json:"week"`
	Year        int             `json:"year"`
	Paid        int             `json:"paid"`
	Transitions []TransitionDTO `json:"transitions"`
}

// ViolationDTO is one broken invariant.
type ViolationDTO struct {
	Code     string `json:"code"`
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	WorkerID string `json:"worker_id,omitempty"`
	Message  string `json:"message"`
}

// ConsistencyDTO is the result of one consistency check.
type ConsistencyDTO struct {
	CheckedAt  string         `json:"checked_at"`
	OK         bool           `json:"ok"`
	Violations []ViolationDTO `json:"violations"`
	Error      string         `json:"error,omitempty"`
}

// AuditStatusDTO describes the scheduled audit.
type AuditStatusDTO struct {
	Enabled  bool            `json:"enabled"`
	Schedule string          `json:"schedule,omitempty"`
	NextRun  string          `json:"next_run,omitempty"`
	Last     *ConsistencyDTO `json:"last,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Workers     int    `json:"workers"`
	Loans       int    `json:"loans"`
	Records     int    `json:"records"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toWorkerDTO(w payroll.Worker) WorkerDTO {
	return WorkerDTO{
		ID:        string(w.ID),
		Name:      w.Name,
		Role:      w.Role,
		Farm:      w.Farm,
		DailyRate: w.DailyRate,
		Active:    w.Active,
	}
}

func toLoanDTO(l payroll.Loan) LoanDTO {
	return LoanDTO{
		ID:                 string(l.ID),
		WorkerID:           string(l.WorkerID),
		Sequence:           l.Sequence,
		Principal:          l.Principal,
		InstallmentCount:   l.InstallmentCount,
		InstallmentAmount:  l.InstallmentAmount,
		InstallmentsPaid:   l.InstallmentsPaid,
		OutstandingBalance: l.OutstandingBalance,
		Status:             string(l.Status),
		DisbursedAt:        l.DisbursedAt.Format("2006-01-02"),
		Reason:             l.Reason,
	}
}

func toLoanDTOs(loans []payroll.Loan) []LoanDTO {
	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l)
	}
	return dtos
}

func toDeltaDTOs(deltas []payroll.LoanDelta) []LoanDeltaDTO {
	dtos := make([]LoanDeltaDTO, len(deltas))
	for i, d := range deltas {
		dtos[i] = LoanDeltaDTO{
			LoanID:               string(d.LoanID),
			Amount:               d.Amount,
			InstallmentsCredited: d.InstallmentsCredited,
			SettledByDeduction:   d.SettledByDeduction,
		}
	}
	return dtos
}

func toRecordDTO(r payroll.PayrollRecord) PayrollRecordDTO {
	dto := PayrollRecordDTO{
		ID:                        string(r.ID),
		WorkerID:                  string(r.WorkerID),
		Week:                      r.Week,
		Year:                      r.Year,
		DaysWorked:                r.DaysWorked,
		OvertimeHours:             r.OvertimeHours.String(),
		BaseWage:                  r.BaseWage,
		OvertimePay:               r.OvertimePay,
		HarvestBonus:              r.HarvestBonus,
		SpecialTaskBonus:          r.SpecialTaskBonus,
		GrossIncome:               r.GrossIncome,
		SocialSecurityWithholding: r.SocialSecurityWithholding,
		Fines:                     r.Fines,
		LoanDeduction:             r.LoanDeduction,
		TotalDeductions:           r.TotalDeductions,
		NetPay:                    r.NetPay,
		Status:                    string(r.Status),
		LoanDeductionApplied:      r.LoanDeductionApplied,
		LoanDeltas:                toDeltaDTOs(r.LoanDeltas),
		CreatedAt:                 r.CreatedAt.Format(time.RFC3339),
	}
	if r.PaidAt != nil {
		s := r.PaidAt.Format(time.RFC3339)
		dto.PaidAt = &s
	}
	return dto
}

func toRecordDTOs(records []payroll.PayrollRecord) []PayrollRecordDTO {
	dtos := make([]PayrollRecordDTO, len(records))
	for i, r := range records {
		dtos[i] = toRecordDTO(r)
	}
	return dtos
}

func toTransitionDTO(t payroll.Transition) TransitionDTO {
	return TransitionDTO{
		Record:  toRecordDTO(t.Record),
		From:    string(t.From),
		To:      string(t.Record.Status),
		Changed: t.Changed,
		Loans:   toLoanDTOs(t.Loans),
	}
}

func toViolationDTOs(vs []payroll.Violation) []ViolationDTO {
	dtos := make([]ViolationDTO, len(vs))
	for i, v := range vs {
		dtos[i] = ViolationDTO{
			Code:     v.Code,
			Kind:     v.Kind,
			ID:       v.ID,
			WorkerID: string(v.WorkerID),
			Message:  v.Message,
		}
	}
	return dtos
}

func toConsistencyDTO(r AuditReport) ConsistencyDTO {
	dto := ConsistencyDTO{
		CheckedAt:  r.At.Format(time.RFC3339),
		OK:         r.Err == nil && len(r.Violations) == 0,
		Violations: toViolationDTOs(r.Violations),
	}
	if r.Err != nil {
		dto.Error = r.Err.Error()
	}
	return dto
}
