/*
record.go - Payroll record computation

PURPOSE:
  Builds a Pending PayrollRecord from the weekly attendance and bonus
  figures the CRUD layer collects. After creation the only writer of a
  record is the engine (status, loan deduction, totals).

FORMULAS:
  baseWage      = dailyRate * daysWorked
  overtimePay   = overtimeHours * (dailyRate / 8) * 1.5
  grossIncome   = baseWage + overtimePay + harvestBonus + specialTaskBonus
  withholding   = grossIncome * 5.12%   (fixed social security rate)
  totalDeduct.  = withholding + fines + loanDeduction
  netPay        = grossIncome - totalDeductions

  Every money figure is rounded to cents as it is produced.

VALIDATION:
  week 1..52, year >= 2000, daysWorked 0..7, all amounts >= 0.

SEE ALSO:
  - engine.go: CreateRecord persists the result
*/
package payroll

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// SocialSecurityRate is the fixed withholding rate applied to gross income.
	SocialSecurityRate = decimal.RequireFromString("0.0512")

	hoursPerDay        = decimal.NewFromInt(8)
	overtimeMultiplier = decimal.RequireFromString("1.5")
)

// PayrollInput is what the CRUD layer supplies for one worker-week.
// DailyRate comes from the worker's contract, read by the caller.
type PayrollInput struct {
	ID               RecordID
	WorkerID         WorkerID
	Week             int
	Year             int
	DaysWorked       int
	OvertimeHours    decimal.Decimal
	DailyRate        Money
	HarvestBonus     Money
	SpecialTaskBonus Money
	Fines            Money

	// Withholding replaces the computed social security figure when set,
	// for records imported from an external payroll run.
	Withholding *Money

	// LoanDeductionEstimate is shown on the pending record; the real
	// deduction replaces it when the record is paid.
	LoanDeductionEstimate Money
}

// Validate checks ranges. It returns the first *InvalidArgumentError found.
func (in PayrollInput) Validate() error {
	switch {
	case in.WorkerID == "":
		return &InvalidArgumentError{Field: "worker_id", Reason: "required"}
	case in.Week < 1 || in.Week > 52:
		return &InvalidArgumentError{Field: "week", Reason: "must be between 1 and 52"}
	case in.Year < 2000:
		return &InvalidArgumentError{Field: "year", Reason: "must be 2000 or later"}
	case in.DaysWorked < 0 || in.DaysWorked > 7:
		return &InvalidArgumentError{Field: "days_worked", Reason: "must be between 0 and 7"}
	case in.OvertimeHours.IsNegative():
		return &InvalidArgumentError{Field: "overtime_hours", Reason: "must not be negative"}
	case in.DailyRate.IsNegative():
		return &InvalidArgumentError{Field: "daily_rate", Reason: "must not be negative"}
	case in.HarvestBonus.IsNegative():
		return &InvalidArgumentError{Field: "harvest_bonus", Reason: "must not be negative"}
	case in.SpecialTaskBonus.IsNegative():
		return &InvalidArgumentError{Field: "special_task_bonus", Reason: "must not be negative"}
	case in.Fines.IsNegative():
		return &InvalidArgumentError{Field: "fines", Reason: "must not be negative"}
	case in.Withholding != nil && in.Withholding.IsNegative():
		return &InvalidArgumentError{Field: "withholding", Reason: "must not be negative"}
	case in.LoanDeductionEstimate.IsNegative():
		return &InvalidArgumentError{Field: "loan_deduction", Reason: "must not be negative"}
	}
	return nil
}

// NewRecord computes a Pending record from the input.
func NewRecord(in PayrollInput, now time.Time) (PayrollRecord, error) {
	if err := in.Validate(); err != nil {
		return PayrollRecord{}, err
	}

	id := in.ID
	if id == "" {
		id = RecordID(uuid.NewString())
	}

	base := in.DailyRate.Mul(decimal.NewFromInt(int64(in.DaysWorked)))
	hourly := in.DailyRate.Value.Div(hoursPerDay)
	overtime := Money{Value: in.OvertimeHours.Mul(hourly).Mul(overtimeMultiplier).Round(moneyPlaces)}
	gross := base.Add(overtime).Add(in.HarvestBonus).Add(in.SpecialTaskBonus)
	withholding := gross.Mul(SocialSecurityRate)
	if in.Withholding != nil {
		withholding = *in.Withholding
	}

	rec := PayrollRecord{
		ID:                        id,
		WorkerID:                  in.WorkerID,
		Week:                      in.Week,
		Year:                      in.Year,
		DaysWorked:                in.DaysWorked,
		OvertimeHours:             in.OvertimeHours,
		BaseWage:                  base,
		OvertimePay:               overtime,
		HarvestBonus:              in.HarvestBonus,
		SpecialTaskBonus:          in.SpecialTaskBonus,
		GrossIncome:               gross,
		SocialSecurityWithholding: withholding,
		Fines:                     in.Fines,
		LoanDeduction:             in.LoanDeductionEstimate,
		EstimatedLoanDeduction:    in.LoanDeductionEstimate,
		Status:                    PayrollPending,
		CreatedAt:                 now,
	}
	rec.recomputeTotals()
	return rec, nil
}

// Recompute re-derives TotalDeductions and NetPay from the components.
// The SQL store keeps only the components and calls this on load.
func (r *PayrollRecord) Recompute() { r.recomputeTotals() }
