/*
store.go - Persistence interface for contracts, installments, receivables and payments

PURPOSE:
  Defines the boundary between billing logic and the database. Services
  never touch SQL; they read and write through Store, and group multi-row
  mutations with TxStore.WithTx.

KEY INTERFACES:
  Store:    Row-level reads and writes for every billing table
  RunStore: Reconciliation run history (written outside transactions)
  TxStore:  Store + RunStore + WithTx for atomic multi-table writes

MISSING ROWS:
  Get* methods return (nil, nil) when the row does not exist. Services turn
  that into a *NotFoundError with the kind of thing that was missing.

OPTIMISTIC VERSIONS:
  UpdateInstallment and UpdateEntry compare the Version field against the
  stored row and write Version+1. A mismatch returns
  ErrConcurrentModification and changes nothing.

UNIQUENESS:
  - InsertInstallments: ErrDuplicateInstallment on (contract, sequence)
  - InsertEntry:        ErrDuplicateEntry on (contract, sequence) when the
                        entry carries a sequence

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go:  SQLite

SEE ALSO:
  - payment.go: the main multi-table writer
*/
package billing

import "context"

// ContractFilter narrows ListContracts. Zero fields match everything.
type ContractFilter struct {
	StudentID StudentID
	ClassID   ClassID
	Status    ContractStatus
}

// EntryFilter narrows ListEntries on stored columns. Zero fields match
// everything. Statuses are stored statuses; OVERDUE is derived by callers.
type EntryFilter struct {
	StudentID  StudentID
	ContractID ContractID
	Statuses   []EntryStatus
	DueFrom    *Date
	DueTo      *Date
}

// Store handles persistence of billing rows.
type Store interface {
	// Contracts
	SaveContract(ctx context.Context, c Contract) error
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
	ListContracts(ctx context.Context, filter ContractFilter) ([]Contract, error)
	DeleteContract(ctx context.Context, id ContractID) error
	// LastContractNumber returns the highest contract number with the prefix, or "".
	LastContractNumber(ctx context.Context, prefix string) (string, error)

	// Installments
	InsertInstallments(ctx context.Context, insts []Installment) error
	UpdateInstallment(ctx context.Context, inst Installment) error
	GetInstallment(ctx context.Context, contractID ContractID, seq int) (*Installment, error)
	// ListInstallments returns the contract's installments ordered by sequence.
	ListInstallments(ctx context.Context, contractID ContractID) ([]Installment, error)
	// ListUnpaidDueBefore returns non-PAID installments with due date < day,
	// leaving out those of CANCELLED contracts.
	ListUnpaidDueBefore(ctx context.Context, day Date) ([]Installment, error)

	// Ledger entries
	InsertEntry(ctx context.Context, e LedgerEntry) error
	UpdateEntry(ctx context.Context, e LedgerEntry) error
	GetEntry(ctx context.Context, id EntryID) (*LedgerEntry, error)
	GetEntryBySequence(ctx context.Context, contractID ContractID, seq int) (*LedgerEntry, error)
	// ListEntries returns matching entries ordered by due date, then sequence.
	ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)

	// Payments
	InsertPayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	// ListPayments returns an entry's payments ordered by date, then creation.
	ListPayments(ctx context.Context, entryID EntryID) ([]Payment, error)
	DeletePayment(ctx context.Context, id PaymentID) error
	CountContractPayments(ctx context.Context, contractID ContractID) (int, error)

	// Audit (append-only)
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// RunStore keeps reconciliation run history.
type RunStore interface {
	SaveRun(ctx context.Context, run ReconciliationRun) error
	// ListRuns returns the newest runs first. Empty kind matches all.
	ListRuns(ctx context.Context, kind RunKind, limit int) ([]ReconciliationRun, error)
}

// TxStore adds transactions.
type TxStore interface {
	Store
	RunStore

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
