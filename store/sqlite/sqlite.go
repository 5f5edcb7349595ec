/*
Package sqlite provides a SQLite-backed billing.TxStore.

PURPOSE:
  Persists contracts, installments, ledger entries, payments, the audit log
  and reconciliation runs. The same SQL runs on PostgreSQL with only
  placeholder and upsert dialect changes.

KEY TABLES:
  contracts:           Contract terms and lifecycle status
  installments:        PK (contract_id, sequence), FK contracts
  ledger_entries:      FK contracts; unique (contract_id, sequence) when
                       sequence is set
  payments:            FK ledger_entries (RESTRICT: entries with payments
                       cannot disappear)
  audit_log:           Append-only
  reconciliation_runs: Batch history

MONEY AND DATES:
  Decimals are stored as TEXT through decimal.Decimal's Scanner/Valuer so
  SQLite never coerces them to REAL. Dates are YYYY-MM-DD text; timestamps
  use a fixed-width UTC layout so text order is time order.

CONCURRENCY:
  One RWMutex guards the handle. WithTx holds the write lock for the whole
  transaction, and every statement inside it goes through the *sql.Tx.
  Row versions on installments and ledger entries catch writers from other
  processes sharing the file.

WAL MODE:
  Opened with WAL so readers do not block the single writer.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  engine := billing.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/tuition-billing/billing"
)

// timeLayout is fixed width so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ billing.TxStore = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// exist per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL,
		class_id TEXT NOT NULL,
		contract_date TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT NOT NULL,
		enrollment_fee TEXT NOT NULL,
		monthly_fee TEXT NOT NULL,
		installment_count INTEGER NOT NULL CHECK (installment_count >= 1),
		discount_amount TEXT NOT NULL,
		discount_percent TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		template_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_student_class
		ON contracts(student_id, class_id, status);
	CREATE INDEX IF NOT EXISTS idx_contracts_status
		ON contracts(status);

	CREATE TABLE IF NOT EXISTS installments (
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL CHECK (sequence >= 1),
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		paid_date TEXT,
		paid_amount TEXT,
		interest TEXT NOT NULL,
		fine TEXT NOT NULL,
		discount TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (contract_id, sequence)
	);

	-- Overdue assessment scans unpaid installments by due date
	CREATE INDEX IF NOT EXISTS idx_installments_unpaid_due
		ON installments(due_date) WHERE status != 'PAID';

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		student_id TEXT NOT NULL,
		charge_type TEXT NOT NULL,
		description TEXT NOT NULL,
		original TEXT NOT NULL,
		discount TEXT NOT NULL,
		interest TEXT NOT NULL,
		final TEXT NOT NULL,
		due_date TEXT NOT NULL,
		paid_date TEXT,
		status TEXT NOT NULL,
		sequence INTEGER,
		total_installments INTEGER NOT NULL DEFAULT 0,
		outstanding TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one entry per installment
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_entry_installment
		ON ledger_entries(contract_id, sequence) WHERE sequence IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_student_status
		ON ledger_entries(student_id, status, due_date);
	CREATE INDEX IF NOT EXISTS idx_entries_status_due
		ON ledger_entries(status, due_date);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES ledger_entries(id) ON DELETE RESTRICT,
		amount TEXT NOT NULL,
		date TEXT NOT NULL,
		method TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		discount_percent TEXT,
		discount_amount TEXT,
		discount_applied TEXT NOT NULL,
		full INTEGER NOT NULL,
		recorded_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_entry
		ON payments(entry_id, date, created_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject
		ON audit_log(subject_id, timestamp);

	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		contracts_scanned INTEGER NOT NULL DEFAULT 0,
		installments_created INTEGER NOT NULL DEFAULT 0,
		entries_created INTEGER NOT NULL DEFAULT 0,
		entries_repaired INTEGER NOT NULL DEFAULT 0,
		installments_updated INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_kind
		ON reconciliation_runs(kind, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes every row. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"payments", "ledger_entries", "installments", "contracts", "audit_log", "reconciliation_runs"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a SQL transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) reader() *conn { return &conn{q: s.db} }

// =============================================================================
// LOCKED DELEGATES
// =============================================================================

func (s *Store) SaveContract(ctx context.Context, c billing.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().SaveContract(ctx, c)
}

func (s *Store) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetContract(ctx, id)
}

func (s *Store) ListContracts(ctx context.Context, f billing.ContractFilter) ([]billing.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListContracts(ctx, f)
}

func (s *Store) DeleteContract(ctx context.Context, id billing.ContractID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().DeleteContract(ctx, id)
}

func (s *Store) LastContractNumber(ctx context.Context, prefix string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().LastContractNumber(ctx, prefix)
}

// InsertInstallments writes the batch atomically.
func (s *Store) InsertInstallments(ctx context.Context, insts []billing.Installment) error {
	return s.WithTx(ctx, func(tx billing.Store) error { return tx.InsertInstallments(ctx, insts) })
}

func (s *Store) UpdateInstallment(ctx context.Context, inst billing.Installment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().UpdateInstallment(ctx, inst)
}

func (s *Store) GetInstallment(ctx context.Context, id billing.ContractID, seq int) (*billing.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetInstallment(ctx, id, seq)
}

func (s *Store) ListInstallments(ctx context.Context, id billing.ContractID) ([]billing.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListInstallments(ctx, id)
}

func (s *Store) ListUnpaidDueBefore(ctx context.Context, day billing.Date) ([]billing.Installment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListUnpaidDueBefore(ctx, day)
}

func (s *Store) InsertEntry(ctx context.Context, e billing.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().InsertEntry(ctx, e)
}

func (s *Store) UpdateEntry(ctx context.Context, e billing.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().UpdateEntry(ctx, e)
}

func (s *Store) GetEntry(ctx context.Context, id billing.EntryID) (*billing.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetEntry(ctx, id)
}

func (s *Store) GetEntryBySequence(ctx context.Context, id billing.ContractID, seq int) (*billing.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetEntryBySequence(ctx, id, seq)
}

func (s *Store) ListEntries(ctx context.Context, f billing.EntryFilter) ([]billing.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListEntries(ctx, f)
}

func (s *Store) InsertPayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().InsertPayment(ctx, p)
}

func (s *Store) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().GetPayment(ctx, id)
}

func (s *Store) ListPayments(ctx context.Context, id billing.EntryID) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().ListPayments(ctx, id)
}

func (s *Store) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().DeletePayment(ctx, id)
}

func (s *Store) CountContractPayments(ctx context.Context, id billing.ContractID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().CountContractPayments(ctx, id)
}

func (s *Store) AppendAudit(ctx context.Context, a billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().AppendAudit(ctx, a)
}

// =============================================================================
// CONN - Statements shared by the handle and transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

// Contracts

const contractColumns = `id, number, student_id, class_id, contract_date, valid_from, valid_to,
	enrollment_fee, monthly_fee, installment_count, discount_amount, discount_percent,
	total_amount, notes, status, template_id, created_at, updated_at`

func (c *conn) SaveContract(ctx context.Context, k billing.Contract) error {
	query := `
		INSERT INTO contracts (` + contractColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			valid_to = excluded.valid_to,
			enrollment_fee = excluded.enrollment_fee,
			monthly_fee = excluded.monthly_fee,
			installment_count = excluded.installment_count,
			discount_amount = excluded.discount_amount,
			discount_percent = excluded.discount_percent,
			total_amount = excluded.total_amount,
			notes = excluded.notes,
			status = excluded.status,
			template_id = excluded.template_id,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		k.ID, k.Number, k.StudentID, k.ClassID, k.ContractDate, k.ValidFrom, k.ValidTo,
		k.EnrollmentFee, k.MonthlyFee, k.InstallmentCount, k.DiscountAmount, k.DiscountPercent,
		k.TotalAmount, k.Notes, k.Status, k.TemplateID,
		formatTime(k.CreatedAt), formatTime(k.UpdatedAt),
	)
	return err
}

func (c *conn) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	contracts, err := scanContracts(rows)
	if err != nil || len(contracts) == 0 {
		return nil, err
	}
	return &contracts[0], nil
}

func (c *conn) ListContracts(ctx context.Context, f billing.ContractFilter) ([]billing.Contract, error) {
	var where []string
	var args []any
	if f.StudentID != "" {
		where = append(where, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if f.ClassID != "" {
		where = append(where, "class_id = ?")
		args = append(args, f.ClassID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+contractColumns+` FROM contracts`+whereClause(where)+` ORDER BY number`, args...)
	if err != nil {
		return nil, err
	}
	return scanContracts(rows)
}

func scanContracts(rows *sql.Rows) ([]billing.Contract, error) {
	defer rows.Close()
	var out []billing.Contract
	for rows.Next() {
		var k billing.Contract
		var createdAt, updatedAt string
		if err := rows.Scan(
			&k.ID, &k.Number, &k.StudentID, &k.ClassID, &k.ContractDate, &k.ValidFrom, &k.ValidTo,
			&k.EnrollmentFee, &k.MonthlyFee, &k.InstallmentCount, &k.DiscountAmount, &k.DiscountPercent,
			&k.TotalAmount, &k.Notes, &k.Status, &k.TemplateID, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		k.CreatedAt = parseTime(createdAt)
		k.UpdatedAt = parseTime(updatedAt)
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteContract removes the contract; installments and entries cascade.
func (c *conn) DeleteContract(ctx context.Context, id billing.ContractID) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM contracts WHERE id = ?`, id)
	return err
}

func (c *conn) LastContractNumber(ctx context.Context, prefix string) (string, error) {
	var last sql.NullString
	err := c.q.QueryRowContext(ctx,
		`SELECT MAX(number) FROM contracts WHERE number LIKE ? || '%'`, prefix).Scan(&last)
	if err != nil {
		return "", err
	}
	return last.String, nil
}

// Installments

const installmentColumns = `contract_id, sequence, amount, due_date, paid_date, paid_amount,
	interest, fine, discount, status, notes, version`

func (c *conn) InsertInstallments(ctx context.Context, insts []billing.Installment) error {
	query := `INSERT INTO installments (` + installmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, inst := range insts {
		_, err := c.q.ExecContext(ctx, query,
			inst.ContractID, inst.Sequence, inst.Amount, inst.DueDate, inst.PaidDate, inst.PaidAmount,
			inst.Interest, inst.Fine, inst.Discount, inst.Status, inst.Notes, inst.Version,
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("installment %d of contract %s: %w", inst.Sequence, inst.ContractID, billing.ErrDuplicateInstallment)
		}
		if err != nil {
			return fmt.Errorf("insert installment %d: %w", inst.Sequence, err)
		}
	}
	return nil
}

func (c *conn) UpdateInstallment(ctx context.Context, inst billing.Installment) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE installments SET
			amount = ?, due_date = ?, paid_date = ?, paid_amount = ?,
			interest = ?, fine = ?, discount = ?, status = ?, notes = ?,
			version = version + 1
		WHERE contract_id = ? AND sequence = ? AND version = ?`,
		inst.Amount, inst.DueDate, inst.PaidDate, inst.PaidAmount,
		inst.Interest, inst.Fine, inst.Discount, inst.Status, inst.Notes,
		inst.ContractID, inst.Sequence, inst.Version,
	)
	return checkVersioned(res, err)
}

func (c *conn) GetInstallment(ctx context.Context, id billing.ContractID, seq int) (*billing.Installment, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE contract_id = ? AND sequence = ?`, id, seq)
	if err != nil {
		return nil, err
	}
	insts, err := scanInstallments(rows)
	if err != nil || len(insts) == 0 {
		return nil, err
	}
	return &insts[0], nil
}

func (c *conn) ListInstallments(ctx context.Context, id billing.ContractID) ([]billing.Installment, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE contract_id = ? ORDER BY sequence`, id)
	if err != nil {
		return nil, err
	}
	return scanInstallments(rows)
}

func (c *conn) ListUnpaidDueBefore(ctx context.Context, day billing.Date) ([]billing.Installment, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments
		WHERE status != 'PAID' AND due_date < ?
		AND contract_id NOT IN (SELECT id FROM contracts WHERE status = 'CANCELLED')
		ORDER BY due_date, contract_id, sequence`, day)
	if err != nil {
		return nil, err
	}
	return scanInstallments(rows)
}

func scanInstallments(rows *sql.Rows) ([]billing.Installment, error) {
	defer rows.Close()
	var out []billing.Installment
	for rows.Next() {
		var inst billing.Installment
		if err := rows.Scan(
			&inst.ContractID, &inst.Sequence, &inst.Amount, &inst.DueDate, &inst.PaidDate, &inst.PaidAmount,
			&inst.Interest, &inst.Fine, &inst.Discount, &inst.Status, &inst.Notes, &inst.Version,
		); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Ledger entries

const entryColumns = `id, contract_id, student_id, charge_type, description, original, discount,
	interest, final, due_date, paid_date, status, sequence, total_installments, outstanding,
	notes, version, created_at, updated_at`

func (c *conn) InsertEntry(ctx context.Context, e billing.LedgerEntry) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ContractID, e.StudentID, e.ChargeType, e.Description, e.Original, e.Discount,
		e.Interest, e.Final, e.DueDate, e.PaidDate, e.Status, e.Sequence, e.TotalInstallments, e.Outstanding,
		e.Notes, e.Version, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("entry %s: %w", e.ID, billing.ErrDuplicateEntry)
	}
	return err
}

func (c *conn) UpdateEntry(ctx context.Context, e billing.LedgerEntry) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE ledger_entries SET
			description = ?, original = ?, discount = ?, interest = ?, final = ?,
			due_date = ?, paid_date = ?, status = ?, outstanding = ?, notes = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		e.Description, e.Original, e.Discount, e.Interest, e.Final,
		e.DueDate, e.PaidDate, e.Status, e.Outstanding, e.Notes,
		formatTime(e.UpdatedAt), e.ID, e.Version,
	)
	return checkVersioned(res, err)
}

func (c *conn) GetEntry(ctx context.Context, id billing.EntryID) (*billing.LedgerEntry, error) {
	return c.getEntry(ctx, `WHERE id = ?`, id)
}

func (c *conn) GetEntryBySequence(ctx context.Context, id billing.ContractID, seq int) (*billing.LedgerEntry, error) {
	return c.getEntry(ctx, `WHERE contract_id = ? AND sequence = ?`, id, seq)
}

func (c *conn) getEntry(ctx context.Context, where string, args ...any) (*billing.LedgerEntry, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries `+where, args...)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (c *conn) ListEntries(ctx context.Context, f billing.EntryFilter) ([]billing.LedgerEntry, error) {
	var where []string
	var args []any
	if f.StudentID != "" {
		where = append(where, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if f.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, f.ContractID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.DueFrom != nil {
		where = append(where, "due_date >= ?")
		args = append(args, *f.DueFrom)
	}
	if f.DueTo != nil {
		where = append(where, "due_date <= ?")
		args = append(args, *f.DueTo)
	}
	rows, err := c.q.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries`+whereClause(where)+`
		ORDER BY due_date, sequence IS NULL, sequence, id`, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]billing.LedgerEntry, error) {
	defer rows.Close()
	var out []billing.LedgerEntry
	for rows.Next() {
		var e billing.LedgerEntry
		var createdAt, updatedAt string
		if err := rows.Scan(
			&e.ID, &e.ContractID, &e.StudentID, &e.ChargeType, &e.Description, &e.Original, &e.Discount,
			&e.Interest, &e.Final, &e.DueDate, &e.PaidDate, &e.Status, &e.Sequence, &e.TotalInstallments,
			&e.Outstanding, &e.Notes, &e.Version, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Payments

const paymentColumns = `id, entry_id, amount, date, method, reference, notes,
	discount_percent, discount_amount, discount_applied, full, recorded_by, created_at`

func (c *conn) InsertPayment(ctx context.Context, p billing.Payment) error {
	_, err := c.q.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.EntryID, p.Amount, p.Date, p.Method, p.Reference, p.Notes,
		p.DiscountPercent, p.DiscountAmount, p.DiscountApplied, p.Full, p.RecordedBy,
		formatTime(p.CreatedAt),
	)
	return err
}

func (c *conn) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	payments, err := scanPayments(rows)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (c *conn) ListPayments(ctx context.Context, id billing.EntryID) ([]billing.Payment, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE entry_id = ? ORDER BY date, created_at, id`, id)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]billing.Payment, error) {
	defer rows.Close()
	var out []billing.Payment
	for rows.Next() {
		var p billing.Payment
		var createdAt string
		if err := rows.Scan(
			&p.ID, &p.EntryID, &p.Amount, &p.Date, &p.Method, &p.Reference, &p.Notes,
			&p.DiscountPercent, &p.DiscountAmount, &p.DiscountApplied, &p.Full, &p.RecordedBy,
			&createdAt,
		); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *conn) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	return err
}

func (c *conn) CountContractPayments(ctx context.Context, id billing.ContractID) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payments p
		JOIN ledger_entries e ON e.id = p.entry_id
		WHERE e.contract_id = ?`, id).Scan(&n)
	return n, err
}

// Audit

func (c *conn) AppendAudit(ctx context.Context, a billing.AuditEntry) error {
	var payload sql.NullString
	if len(a.Payload) > 0 {
		b, err := json.Marshal(a.Payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, subject_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, formatTime(a.Timestamp), a.ActorID, a.Action, a.SubjectID, payload,
	)
	return err
}

// AuditLog returns the audit trail of one subject, oldest first. An empty
// subject returns the whole log.
func (s *Store) AuditLog(ctx context.Context, subjectID string) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, actor_id, action, subject_id, payload_json
		FROM audit_log WHERE ? = '' OR subject_id = ? ORDER BY timestamp, rowid`, subjectID, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.AuditEntry
	for rows.Next() {
		var a billing.AuditEntry
		var ts string
		var payload sql.NullString
		if err := rows.Scan(&a.ID, &ts, &a.ActorID, &a.Action, &a.SubjectID, &payload); err != nil {
			return nil, err
		}
		a.Timestamp = parseTime(ts)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &a.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload %s: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

// SaveRun inserts or updates a run record.
func (s *Store) SaveRun(ctx context.Context, r billing.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt *string
	if r.CompletedAt != nil {
		v := formatTime(*r.CompletedAt)
		completedAt = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, kind, status, contracts_scanned, installments_created,
			entries_created, entries_repaired, installments_updated, failures, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			contracts_scanned = excluded.contracts_scanned,
			installments_created = excluded.installments_created,
			entries_created = excluded.entries_created,
			entries_repaired = excluded.entries_repaired,
			installments_updated = excluded.installments_updated,
			failures = excluded.failures,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Kind, r.Status, r.ContractsScanned, r.InstallmentsCreated,
		r.EntriesCreated, r.EntriesRepaired, r.InstallmentsUpdated, r.Failures, r.Error,
		formatTime(r.StartedAt), completedAt,
	)
	return err
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, kind billing.RunKind, limit int) ([]billing.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, status, contracts_scanned, installments_created, entries_created,
			entries_repaired, installments_updated, failures, error, started_at, completed_at
		FROM reconciliation_runs`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []billing.ReconciliationRun
	for rows.Next() {
		var r billing.ReconciliationRun
		var startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(
			&r.ID, &r.Kind, &r.Status, &r.ContractsScanned, &r.InstallmentsCreated, &r.EntriesCreated,
			&r.EntriesRepaired, &r.InstallmentsUpdated, &r.Failures, &r.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// checkVersioned turns a zero-row versioned UPDATE into a concurrency error.
func checkVersioned(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrConcurrentModification
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
