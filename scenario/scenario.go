/*
Package scenario loads demo and acceptance data sets into a payroll store.

PURPOSE:
  Each scenario is a YAML file under scenarios/, embedded into the binary.
  Loading goes through the engine's own creation operations (CreateLoan,
  PayInstallment, CreateRecord, SetPayrollStatus), so a loaded scenario is
  always in a state the engine could have produced itself.

AVAILABLE SCENARIOS:
  scenario-a:   Two loans, one payslip (the reference pay/unpay example)
  banana-week:  Four workers, overtime, bonuses, fines, a clamped final
                installment and a payslip paid the week before

FILE FORMAT:
  workers:  id, name, role, farm, daily_rate
  loans:    id, worker, principal, installments, installments_paid, reason
            installments_paid is replayed with PayInstallment
  records:  id, worker, week, year, days_worked, overtime_hours,
            harvest_bonus, special_task_bonus, fines, withholding,
            loan_deduction (estimate), daily_rate, status
            A record with status "paid" is transitioned after creation

  Amounts are quoted decimal strings ("25.00").

NOTE:
  Load resets the target first. Only use in development/demo environments.

SEE ALSO:
  - api/scenarios.go: /api/scenarios endpoints
  - cmd/server/main.go: `farm-payroll seed`
*/
package scenario

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/farm-payroll/payroll"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios/*.yaml
var files embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenario is the parsed form of one YAML file.
type Scenario struct {
	ID          string   `yaml:"-"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Workers     []Worker `yaml:"workers"`
	Loans       []Loan   `yaml:"loans"`
	Records     []Record `yaml:"records"`
}

type Worker struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Role      string `yaml:"role"`
	Farm      string `yaml:"farm"`
	DailyRate string `yaml:"daily_rate"`
}

type Loan struct {
	ID               string `yaml:"id"`
	Worker           string `yaml:"worker"`
	Principal        string `yaml:"principal"`
	Installments     int    `yaml:"installments"`
	InstallmentsPaid int    `yaml:"installments_paid"`
	Reason           string `yaml:"reason"`
}

type Record struct {
	ID               string `yaml:"id"`
	Worker           string `yaml:"worker"`
	Week             int    `yaml:"week"`
	Year             int    `yaml:"year"`
	DaysWorked       int    `yaml:"days_worked"`
	OvertimeHours    string `yaml:"overtime_hours"`
	DailyRate        string `yaml:"daily_rate"`
	HarvestBonus     string `yaml:"harvest_bonus"`
	SpecialTaskBonus string `yaml:"special_task_bonus"`
	Fines            string `yaml:"fines"`
	Withholding      string `yaml:"withholding"`
	LoanDeduction    string `yaml:"loan_deduction"`
	Status           string `yaml:"status"`
}

// Target is where a scenario's workers go. Loans and records go through
// the engine.
type Target interface {
	SaveWorker(ctx context.Context, w payroll.Worker) error
	Reset(ctx context.Context) error
}

// =============================================================================
// CATALOG
// =============================================================================

// List returns every embedded scenario, sorted by ID.
func List() ([]Scenario, error) {
	entries, err := fs.ReadDir(files, "scenarios")
	if err != nil {
		return nil, err
	}
	var out []Scenario
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".yaml")
		if !ok {
			continue
		}
		s, err := Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Scenario) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Get parses one embedded scenario. Unknown IDs are a *payroll.NotFoundError.
func Get(id string) (Scenario, error) {
	raw, err := files.ReadFile(path.Join("scenarios", id+".yaml"))
	if err != nil {
		return Scenario{}, &payroll.NotFoundError{Kind: "scenario", ID: id}
	}
	return Parse(id, raw)
}

// Parse decodes a scenario document. Unknown fields are rejected.
func Parse(id string, raw []byte) (Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario %s: %w", id, err)
	}
	s.ID = id
	return s, nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load resets target and loads the scenario through the engine.
func Load(ctx context.Context, s Scenario, e *payroll.Engine, target Target) error {
	if err := target.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	rates := make(map[string]payroll.Money, len(s.Workers))
	for _, w := range s.Workers {
		rate, err := money(w.DailyRate)
		if err != nil {
			return fmt.Errorf("worker %s: %w", w.ID, err)
		}
		rates[w.ID] = rate
		err = target.SaveWorker(ctx, payroll.Worker{
			ID:        payroll.WorkerID(w.ID),
			Name:      w.Name,
			Role:      w.Role,
			Farm:      w.Farm,
			DailyRate: rate,
			Active:    true,
		})
		if err != nil {
			return fmt.Errorf("worker %s: %w", w.ID, err)
		}
	}

	for _, l := range s.Loans {
		if err := loadLoan(ctx, e, l); err != nil {
			return fmt.Errorf("loan %s: %w", l.ID, err)
		}
	}

	for _, r := range s.Records {
		if err := loadRecord(ctx, e, r, rates[r.Worker]); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
	}
	return nil
}

func loadLoan(ctx context.Context, e *payroll.Engine, l Loan) error {
	principal, err := money(l.Principal)
	if err != nil {
		return err
	}
	loan, err := e.CreateLoan(ctx, payroll.LoanInput{
		ID:               payroll.LoanID(l.ID),
		WorkerID:         payroll.WorkerID(l.Worker),
		Principal:        principal,
		InstallmentCount: l.Installments,
		Reason:           l.Reason,
	})
	if err != nil {
		return err
	}
	for range l.InstallmentsPaid {
		if _, err := e.PayInstallment(ctx, loan.ID); err != nil {
			return err
		}
	}
	return nil
}

func loadRecord(ctx context.Context, e *payroll.Engine, r Record, workerRate payroll.Money) error {
	in := payroll.PayrollInput{
		ID:         payroll.RecordID(r.ID),
		WorkerID:   payroll.WorkerID(r.Worker),
		Week:       r.Week,
		Year:       r.Year,
		DaysWorked: r.DaysWorked,
		DailyRate:  workerRate,
	}

	var err error
	if r.OvertimeHours != "" {
		if in.OvertimeHours, err = decimal.NewFromString(r.OvertimeHours); err != nil {
			return fmt.Errorf("overtime_hours: %w", err)
		}
	}
	if r.DailyRate != "" {
		if in.DailyRate, err = money(r.DailyRate); err != nil {
			return err
		}
	}
	if in.HarvestBonus, err = money(r.HarvestBonus); err != nil {
		return err
	}
	if in.SpecialTaskBonus, err = money(r.SpecialTaskBonus); err != nil {
		return err
	}
	if in.Fines, err = money(r.Fines); err != nil {
		return err
	}
	if in.LoanDeductionEstimate, err = money(r.LoanDeduction); err != nil {
		return err
	}
	if r.Withholding != "" {
		w, err := money(r.Withholding)
		if err != nil {
			return err
		}
		in.Withholding = &w
	}

	rec, err := e.CreateRecord(ctx, in)
	if err != nil {
		return err
	}

	if r.Status == "" {
		return nil
	}
	status, err := payroll.ParsePayrollStatus(r.Status)
	if err != nil {
		return err
	}
	_, err = e.SetPayrollStatus(ctx, rec.ID, status)
	return err
}

// money parses an optional amount; empty means zero.
func money(s string) (payroll.Money, error) {
	if s == "" {
		return payroll.Money{}, nil
	}
	return payroll.ParseMoney(s)
}
