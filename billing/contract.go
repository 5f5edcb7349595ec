/*
contract.go - Contract lifecycle

PURPOSE:
  Creates contracts (and their installment schedule, in the same
  transaction), and handles the few lifecycle changes a contract allows.

RULES:
  - One ACTIVE contract per student+class
  - Contract date defaults to today and may not be in the future
  - Validity end may not precede validity start
  - Discount percentage wins over the absolute discount when both are set
  - Financial terms are frozen once installments exist; amendments may
    only touch notes, validity end and template after that point
  - A contract with payments against it cannot be deleted
  - Cancelling closes the contract's unpaid ledger entries; they take no
    payments and accrue no penalties afterwards

NUMBERING:
  CTR + YYYYMM of the contract date + 4-digit sequence within that month,
  e.g. CTR2025030007. Allocated inside the creating transaction.

SEE ALSO:
  - generator.go: installment schedule
*/
package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContractTerms is the input for CreateContract.
type ContractTerms struct {
	StudentID        StudentID       `json:"student_id" validate:"required"`
	ClassID          ClassID         `json:"class_id" validate:"required"`
	ContractDate     Date            `json:"contract_date"`
	ValidFrom        Date            `json:"valid_from" validate:"required"`
	ValidTo          Date            `json:"valid_to" validate:"required"`
	EnrollmentFee    decimal.Decimal `json:"enrollment_fee" validate:"gte=0"`
	MonthlyFee       decimal.Decimal `json:"monthly_fee" validate:"gte=0"`
	InstallmentCount int             `json:"installment_count" validate:"gte=1,lte=120"`
	DiscountAmount   decimal.Decimal `json:"discount_amount" validate:"gte=0"`
	DiscountPercent  decimal.Decimal `json:"discount_percent" validate:"gte=0,lte=100"`
	Notes            string          `json:"notes" validate:"max=2000"`
	TemplateID       string          `json:"template_id" validate:"omitempty,oneof=contrato-curso contrato-servicos-menor uso-imagem-adulto uso-imagem-menor"`
	Actor            string          `json:"-"`
}

// Amendment changes an existing contract. Nil fields are left alone.
type Amendment struct {
	Notes            *string          `json:"notes" validate:"omitempty,max=2000"`
	ValidTo          *Date            `json:"valid_to"`
	TemplateID       *string          `json:"template_id" validate:"omitempty,oneof=contrato-curso contrato-servicos-menor uso-imagem-adulto uso-imagem-menor"`
	EnrollmentFee    *decimal.Decimal `json:"enrollment_fee" validate:"omitempty,gte=0"`
	MonthlyFee       *decimal.Decimal `json:"monthly_fee" validate:"omitempty,gte=0"`
	InstallmentCount *int             `json:"installment_count" validate:"omitempty,gte=1,lte=120"`
	DiscountAmount   *decimal.Decimal `json:"discount_amount" validate:"omitempty,gte=0"`
	DiscountPercent  *decimal.Decimal `json:"discount_percent" validate:"omitempty,gte=0,lte=100"`
	Actor            string           `json:"-"`
}

func (a Amendment) touchesFinancialTerms() bool {
	return a.EnrollmentFee != nil || a.MonthlyFee != nil || a.InstallmentCount != nil ||
		a.DiscountAmount != nil || a.DiscountPercent != nil
}

// =============================================================================
// CREATE
// =============================================================================

// CreateContract validates terms, stores the contract and generates its
// installments atomically.
func (e *Engine) CreateContract(ctx context.Context, terms ContractTerms) (*Contract, []Installment, error) {
	today := e.Clock.Today()
	if terms.ContractDate.IsZero() {
		terms.ContractDate = today
	}
	if terms.TemplateID == "" {
		terms.TemplateID = TemplateCourse
	}
	if err := e.check(terms); err != nil {
		return nil, nil, err
	}
	if err := checkFinancialTerms(terms.EnrollmentFee, terms.MonthlyFee, terms.InstallmentCount); err != nil {
		return nil, nil, err
	}
	if terms.ContractDate.After(today) {
		return nil, nil, invalid("contract_date", "cannot be in the future")
	}
	if terms.ValidTo.Before(terms.ValidFrom) {
		return nil, nil, invalid("valid_to", "cannot be before valid_from")
	}

	now := e.Clock.Now()
	c := Contract{
		ID:               ContractID(uuid.NewString()),
		StudentID:        terms.StudentID,
		ClassID:          terms.ClassID,
		ContractDate:     terms.ContractDate,
		ValidFrom:        terms.ValidFrom,
		ValidTo:          terms.ValidTo,
		EnrollmentFee:    terms.EnrollmentFee,
		MonthlyFee:       terms.MonthlyFee,
		InstallmentCount: terms.InstallmentCount,
		DiscountAmount:   terms.DiscountAmount,
		DiscountPercent:  terms.DiscountPercent,
		Notes:            terms.Notes,
		Status:           ContractActive,
		TemplateID:       terms.TemplateID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	c.DiscountAmount = c.EffectiveDiscount()
	c.TotalAmount = c.ComputeTotal()

	insts := Schedule(c)
	err := e.Store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.ListContracts(ctx, ContractFilter{
			StudentID: c.StudentID,
			ClassID:   c.ClassID,
			Status:    ContractActive,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return conflict("student %s already has active contract %s for class %s",
				c.StudentID, existing[0].Number, c.ClassID)
		}

		number, err := nextContractNumber(ctx, tx, c.ContractDate)
		if err != nil {
			return err
		}
		c.Number = number

		if err := tx.SaveContract(ctx, c); err != nil {
			return err
		}
		if err := tx.InsertInstallments(ctx, insts); err != nil {
			return err
		}
		return e.audit(ctx, tx, terms.Actor, AuditContractCreated, string(c.ID), map[string]any{
			"number":       c.Number,
			"total":        c.TotalAmount.StringFixed(2),
			"installments": len(insts),
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return &c, insts, nil
}

// checkFinancialTerms enforces a positive nominal amount on every installment.
func checkFinancialTerms(enrollment, monthly decimal.Decimal, count int) error {
	if !enrollment.Add(monthly).IsPositive() {
		return invalid("monthly_fee", "monthly and enrollment fee cannot both be zero")
	}
	if count > 1 && !monthly.IsPositive() {
		return invalid("monthly_fee", "must be greater than 0 when there is more than one installment")
	}
	if !isCents(enrollment) {
		return invalid("enrollment_fee", "must have at most 2 decimal places")
	}
	if !isCents(monthly) {
		return invalid("monthly_fee", "must have at most 2 decimal places")
	}
	return nil
}

func nextContractNumber(ctx context.Context, s Store, contractDate Date) (string, error) {
	prefix := fmt.Sprintf("CTR%04d%02d", contractDate.Time.Year(), int(contractDate.Time.Month()))
	last, err := s.LastContractNumber(ctx, prefix)
	if err != nil {
		return "", err
	}
	seq := 1
	if last != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(last, prefix))
		if err != nil {
			return "", fmt.Errorf("malformed contract number %q: %w", last, err)
		}
		seq = n + 1
	}
	return fmt.Sprintf("%s%04d", prefix, seq), nil
}

// =============================================================================
// READ
// =============================================================================

func (e *Engine) GetContract(ctx context.Context, id ContractID) (*Contract, error) {
	return e.loadContract(ctx, e.Store, id)
}

func (e *Engine) ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, error) {
	return e.Store.ListContracts(ctx, filter)
}

// =============================================================================
// AMEND / STATUS / DELETE
// =============================================================================

// AmendContract applies an amendment. Financial fields are rejected with a
// conflict once the contract has installments.
func (e *Engine) AmendContract(ctx context.Context, id ContractID, a Amendment) (*Contract, error) {
	if err := e.check(a); err != nil {
		return nil, err
	}

	var out Contract
	err := e.Store.WithTx(ctx, func(tx Store) error {
		c, err := e.loadContract(ctx, tx, id)
		if err != nil {
			return err
		}
		changes := map[string]any{}

		if a.touchesFinancialTerms() {
			insts, err := tx.ListInstallments(ctx, id)
			if err != nil {
				return err
			}
			if len(insts) > 0 {
				return conflict("contract %s already has %d installments; financial terms cannot change", c.Number, len(insts))
			}
			if a.EnrollmentFee != nil {
				c.EnrollmentFee = *a.EnrollmentFee
			}
			if a.MonthlyFee != nil {
				c.MonthlyFee = *a.MonthlyFee
			}
			if a.InstallmentCount != nil {
				c.InstallmentCount = *a.InstallmentCount
			}
			if a.DiscountPercent != nil {
				if c.DiscountPercent.IsPositive() && a.DiscountAmount == nil {
					// The stored amount was derived from the old percentage.
					c.DiscountAmount = decimal.Zero
				}
				c.DiscountPercent = *a.DiscountPercent
			}
			if a.DiscountAmount != nil {
				c.DiscountAmount = *a.DiscountAmount
			}
			if err := checkFinancialTerms(c.EnrollmentFee, c.MonthlyFee, c.InstallmentCount); err != nil {
				return err
			}
			c.DiscountAmount = c.EffectiveDiscount()
			c.TotalAmount = c.ComputeTotal()
			changes["total"] = c.TotalAmount.StringFixed(2)
		}
		if a.ValidTo != nil {
			if a.ValidTo.Before(c.ValidFrom) {
				return invalid("valid_to", "cannot be before valid_from")
			}
			c.ValidTo = *a.ValidTo
			changes["valid_to"] = c.ValidTo.String()
		}
		if a.Notes != nil {
			c.Notes = *a.Notes
			changes["notes"] = true
		}
		if a.TemplateID != nil {
			c.TemplateID = *a.TemplateID
			changes["template_id"] = c.TemplateID
		}

		c.UpdatedAt = e.Clock.Now()
		if err := tx.SaveContract(ctx, *c); err != nil {
			return err
		}
		out = *c
		return e.audit(ctx, tx, a.Actor, AuditContractAmended, string(id), changes)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelContract moves an ACTIVE contract to CANCELLED. Installments and
// payments are kept; ledger entries still open for payment become CANCELLED
// and the contract drops out of overdue assessment.
func (e *Engine) CancelContract(ctx context.Context, id ContractID, actor string) (*Contract, error) {
	c, err := e.loadContract(ctx, e.Store, id)
	if err != nil {
		return nil, err
	}
	unlock := e.Locks.LockAll(contractKeys(*c))
	defer unlock()

	var out Contract
	err = withRetry(func() error {
		return e.Store.WithTx(ctx, func(tx Store) error {
			c, err := e.setStatus(ctx, tx, id, ContractCancelled)
			if err != nil {
				return err
			}
			open, err := tx.ListEntries(ctx, EntryFilter{ContractID: id, Statuses: []EntryStatus{EntryPending, EntryPartial}})
			if err != nil {
				return err
			}
			now := e.Clock.Now()
			for i := range open {
				open[i].Status = EntryCancelled
				if err := saveEntry(ctx, tx, &open[i], now); err != nil {
					return err
				}
			}
			out = *c
			return e.audit(ctx, tx, actor, AuditContractCancelled, string(id), map[string]any{
				"from":              ContractActive,
				"to":                ContractCancelled,
				"entries_cancelled": len(open),
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseContract moves an ACTIVE contract to CLOSED.
func (e *Engine) CloseContract(ctx context.Context, id ContractID, actor string) (*Contract, error) {
	var out Contract
	err := e.Store.WithTx(ctx, func(tx Store) error {
		c, err := e.setStatus(ctx, tx, id, ContractClosed)
		if err != nil {
			return err
		}
		out = *c
		return e.audit(ctx, tx, actor, AuditContractClosed, string(id), map[string]any{"from": ContractActive, "to": ContractClosed})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// setStatus moves an ACTIVE contract to status to and saves it.
func (e *Engine) setStatus(ctx context.Context, tx Store, id ContractID, to ContractStatus) (*Contract, error) {
	c, err := e.loadContract(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != ContractActive {
		return nil, conflict("contract %s is %s, not %s", c.Number, c.Status, ContractActive)
	}
	c.Status = to
	c.UpdatedAt = e.Clock.Now()
	if err := tx.SaveContract(ctx, *c); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteContract removes a contract with its installments and ledger entries.
// Refused with a conflict when any payment exists.
func (e *Engine) DeleteContract(ctx context.Context, id ContractID, actor string) error {
	return e.Store.WithTx(ctx, func(tx Store) error {
		c, err := e.loadContract(ctx, tx, id)
		if err != nil {
			return err
		}
		n, err := tx.CountContractPayments(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return conflict("contract %s has %d payments and cannot be deleted", c.Number, n)
		}
		if err := tx.DeleteContract(ctx, id); err != nil {
			return err
		}
		return e.audit(ctx, tx, actor, AuditContractDeleted, string(id), map[string]any{"number": c.Number})
	})
}
