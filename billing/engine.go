package billing

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE - Entry point for every billing operation
// =============================================================================

// Engine holds the dependencies shared by contract, ledger, payment,
// reconciliation and overdue operations. Methods are safe for concurrent use.
type Engine struct {
	Store TxStore
	Clock Clock
	Locks *KeyedMutex

	// Workers bounds how many contracts reconciliation processes at once.
	Workers int

	// Rates drive overdue assessment.
	Rates OverdueRates

	validate *validator.Validate
}

// OverdueRates are the penalties stamped onto late installments.
type OverdueRates struct {
	FinePercent            decimal.Decimal // one-off, on the nominal amount
	MonthlyInterestPercent decimal.Decimal // simple interest, pro rata per day (30-day month)
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.Clock = c } }

func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.Workers = n
		}
	}
}

func WithRates(r OverdueRates) Option { return func(e *Engine) { e.Rates = r } }

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		Store:   store,
		Locks:   NewKeyedMutex(),
		Workers: 4,
		Rates: OverdueRates{
			FinePercent:            decimal.NewFromInt(2),
			MonthlyInterestPercent: decimal.NewFromInt(1),
		},
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// maxAttempts bounds retries after an optimistic version conflict.
const maxAttempts = 3

// withRetry reruns fn while it fails with a retryable error.
func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); !IsRetryable(err) {
			return err
		}
	}
	return err
}

func (e *Engine) audit(ctx context.Context, tx Store, actor string, action AuditAction, subject string, payload map[string]any) error {
	if actor == "" {
		actor = "system"
	}
	return tx.AppendAudit(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: e.Clock.Now(),
		ActorID:   actor,
		Action:    action,
		SubjectID: subject,
		Payload:   payload,
	})
}

// saveEntry writes e and advances its local version to match the store.
func saveEntry(ctx context.Context, tx Store, e *LedgerEntry, now time.Time) error {
	e.UpdatedAt = now
	if err := tx.UpdateEntry(ctx, *e); err != nil {
		return err
	}
	e.Version++
	return nil
}

// saveInstallment writes inst and advances its local version.
func saveInstallment(ctx context.Context, tx Store, inst *Installment) error {
	if err := tx.UpdateInstallment(ctx, *inst); err != nil {
		return err
	}
	inst.Version++
	return nil
}

func (e *Engine) loadContract(ctx context.Context, s Store, id ContractID) (*Contract, error) {
	c, err := s.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &NotFoundError{Kind: "contract", ID: string(id)}
	}
	return c, nil
}

func (e *Engine) loadEntry(ctx context.Context, s Store, id EntryID) (*LedgerEntry, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &NotFoundError{Kind: "ledger entry", ID: string(id)}
	}
	return entry, nil
}

func (e *Engine) loadInstallment(ctx context.Context, s Store, contractID ContractID, seq int) (*Installment, error) {
	inst, err := s.GetInstallment(ctx, contractID, seq)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, &NotFoundError{Kind: "installment", ID: installmentKey(contractID, seq)}
	}
	return inst, nil
}

// isCtxErr reports cancellation or deadline errors.
func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
