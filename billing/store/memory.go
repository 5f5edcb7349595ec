// Package store provides an in-memory billing.TxStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps behind one RWMutex. Transactions work on
// a copy of the data that replaces the live data only on success.
type Memory struct {
	mu   sync.RWMutex
	data *tables
	runs []billing.ReconciliationRun
}

type tables struct {
	contracts    map[billing.ContractID]billing.Contract
	installments map[billing.ContractID]map[int]billing.Installment
	entries      map[billing.EntryID]billing.LedgerEntry
	payments     map[billing.PaymentID]billing.Payment
	audit        []billing.AuditEntry
}

func newTables() *tables {
	return &tables{
		contracts:    make(map[billing.ContractID]billing.Contract),
		installments: make(map[billing.ContractID]map[int]billing.Installment),
		entries:      make(map[billing.EntryID]billing.LedgerEntry),
		payments:     make(map[billing.PaymentID]billing.Payment),
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.contracts {
		c.contracts[k] = v
	}
	for k, byseq := range t.installments {
		m := make(map[int]billing.Installment, len(byseq))
		for seq, inst := range byseq {
			m[seq] = inst
		}
		c.installments[k] = m
	}
	for k, v := range t.entries {
		c.entries[k] = v
	}
	for k, v := range t.payments {
		c.payments[k] = v
	}
	c.audit = append([]billing.AuditEntry(nil), t.audit...)
	return c
}

var (
	_ billing.TxStore = (*Memory)(nil)
	_ billing.Store   = (*view)(nil)
)

func NewMemory() *Memory {
	return &Memory{data: newTables()}
}

// Reset drops every row.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newTables()
	m.runs = nil
	return nil
}

// WithTx runs fn against a private copy and publishes it if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.data.clone()
	if err := fn(&view{t: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

func (m *Memory) read() *view {
	return &view{t: m.data}
}

// AuditLog returns the audit entries of one subject, oldest first. An empty
// subject returns the whole log.
func (m *Memory) AuditLog(_ context.Context, subjectID string) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.AuditEntry
	for _, a := range m.data.audit {
		if subjectID == "" || a.SubjectID == subjectID {
			out = append(out, a)
		}
	}
	return out, nil
}

// =============================================================================
// LOCKED DELEGATES
// =============================================================================

func (m *Memory) SaveContract(ctx context.Context, c billing.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveContract(ctx, c)
}

func (m *Memory) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetContract(ctx, id)
}

func (m *Memory) ListContracts(ctx context.Context, f billing.ContractFilter) ([]billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListContracts(ctx, f)
}

func (m *Memory) DeleteContract(ctx context.Context, id billing.ContractID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().DeleteContract(ctx, id)
}

func (m *Memory) LastContractNumber(ctx context.Context, prefix string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().LastContractNumber(ctx, prefix)
}

func (m *Memory) InsertInstallments(ctx context.Context, insts []billing.Installment) error {
	return m.WithTx(ctx, func(s billing.Store) error { return s.InsertInstallments(ctx, insts) })
}

func (m *Memory) UpdateInstallment(ctx context.Context, inst billing.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateInstallment(ctx, inst)
}

func (m *Memory) GetInstallment(ctx context.Context, id billing.ContractID, seq int) (*billing.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetInstallment(ctx, id, seq)
}

func (m *Memory) ListInstallments(ctx context.Context, id billing.ContractID) ([]billing.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListInstallments(ctx, id)
}

func (m *Memory) ListUnpaidDueBefore(ctx context.Context, day billing.Date) ([]billing.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListUnpaidDueBefore(ctx, day)
}

func (m *Memory) InsertEntry(ctx context.Context, e billing.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InsertEntry(ctx, e)
}

func (m *Memory) UpdateEntry(ctx context.Context, e billing.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdateEntry(ctx, e)
}

func (m *Memory) GetEntry(ctx context.Context, id billing.EntryID) (*billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetEntry(ctx, id)
}

func (m *Memory) GetEntryBySequence(ctx context.Context, id billing.ContractID, seq int) (*billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetEntryBySequence(ctx, id, seq)
}

func (m *Memory) ListEntries(ctx context.Context, f billing.EntryFilter) ([]billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListEntries(ctx, f)
}

func (m *Memory) InsertPayment(ctx context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InsertPayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetPayment(ctx, id)
}

func (m *Memory) ListPayments(ctx context.Context, id billing.EntryID) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListPayments(ctx, id)
}

func (m *Memory) DeletePayment(ctx context.Context, id billing.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().DeletePayment(ctx, id)
}

func (m *Memory) CountContractPayments(ctx context.Context, id billing.ContractID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().CountContractPayments(ctx, id)
}

func (m *Memory) AppendAudit(ctx context.Context, a billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendAudit(ctx, a)
}

// SaveRun upserts a run by ID. Runs live outside transactions.
func (m *Memory) SaveRun(_ context.Context, run billing.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, kind billing.RunKind, limit int) ([]billing.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.ReconciliationRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if kind != "" && m.runs[i].Kind != kind {
			continue
		}
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// VIEW - Unlocked table access shared by delegates and transactions
// =============================================================================

type view struct {
	t *tables
}

func (v *view) SaveContract(_ context.Context, c billing.Contract) error {
	v.t.contracts[c.ID] = c
	return nil
}

func (v *view) GetContract(_ context.Context, id billing.ContractID) (*billing.Contract, error) {
	c, ok := v.t.contracts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (v *view) ListContracts(_ context.Context, f billing.ContractFilter) ([]billing.Contract, error) {
	var out []billing.Contract
	for _, c := range v.t.contracts {
		if f.StudentID != "" && c.StudentID != f.StudentID {
			continue
		}
		if f.ClassID != "" && c.ClassID != f.ClassID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// DeleteContract removes the contract with its installments and entries.
func (v *view) DeleteContract(_ context.Context, id billing.ContractID) error {
	delete(v.t.contracts, id)
	delete(v.t.installments, id)
	for eid, e := range v.t.entries {
		if e.ContractID == id {
			delete(v.t.entries, eid)
		}
	}
	return nil
}

func (v *view) LastContractNumber(_ context.Context, prefix string) (string, error) {
	last := ""
	for _, c := range v.t.contracts {
		if strings.HasPrefix(c.Number, prefix) && c.Number > last {
			last = c.Number
		}
	}
	return last, nil
}

func (v *view) InsertInstallments(_ context.Context, insts []billing.Installment) error {
	for _, inst := range insts {
		if _, ok := v.t.installments[inst.ContractID][inst.Sequence]; ok {
			return billing.ErrDuplicateInstallment
		}
	}
	for _, inst := range insts {
		byseq := v.t.installments[inst.ContractID]
		if byseq == nil {
			byseq = make(map[int]billing.Installment)
			v.t.installments[inst.ContractID] = byseq
		}
		if _, ok := byseq[inst.Sequence]; ok {
			return billing.ErrDuplicateInstallment
		}
		byseq[inst.Sequence] = copyInstallment(inst)
	}
	return nil
}

func (v *view) UpdateInstallment(_ context.Context, inst billing.Installment) error {
	cur, ok := v.t.installments[inst.ContractID][inst.Sequence]
	if !ok || cur.Version != inst.Version {
		return billing.ErrConcurrentModification
	}
	inst = copyInstallment(inst)
	inst.Version++
	v.t.installments[inst.ContractID][inst.Sequence] = inst
	return nil
}

func (v *view) GetInstallment(_ context.Context, id billing.ContractID, seq int) (*billing.Installment, error) {
	inst, ok := v.t.installments[id][seq]
	if !ok {
		return nil, nil
	}
	inst = copyInstallment(inst)
	return &inst, nil
}

func (v *view) ListInstallments(_ context.Context, id billing.ContractID) ([]billing.Installment, error) {
	out := make([]billing.Installment, 0, len(v.t.installments[id]))
	for _, inst := range v.t.installments[id] {
		out = append(out, copyInstallment(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (v *view) ListUnpaidDueBefore(_ context.Context, day billing.Date) ([]billing.Installment, error) {
	var out []billing.Installment
	for contractID, byseq := range v.t.installments {
		if c, ok := v.t.contracts[contractID]; ok && c.Status == billing.ContractCancelled {
			continue
		}
		for _, inst := range byseq {
			if !inst.IsPaid() && inst.DueDate.Before(day) {
				out = append(out, copyInstallment(inst))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		if out[i].ContractID != out[j].ContractID {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (v *view) InsertEntry(_ context.Context, e billing.LedgerEntry) error {
	if _, ok := v.t.entries[e.ID]; ok {
		return billing.ErrDuplicateEntry
	}
	if e.Sequence != nil {
		for _, other := range v.t.entries {
			if other.ContractID == e.ContractID && other.Sequence != nil && *other.Sequence == *e.Sequence {
				return billing.ErrDuplicateEntry
			}
		}
	}
	v.t.entries[e.ID] = copyEntry(e)
	return nil
}

func (v *view) UpdateEntry(_ context.Context, e billing.LedgerEntry) error {
	cur, ok := v.t.entries[e.ID]
	if !ok || cur.Version != e.Version {
		return billing.ErrConcurrentModification
	}
	e = copyEntry(e)
	e.Version++
	v.t.entries[e.ID] = e
	return nil
}

func (v *view) GetEntry(_ context.Context, id billing.EntryID) (*billing.LedgerEntry, error) {
	e, ok := v.t.entries[id]
	if !ok {
		return nil, nil
	}
	e = copyEntry(e)
	return &e, nil
}

func (v *view) GetEntryBySequence(_ context.Context, id billing.ContractID, seq int) (*billing.LedgerEntry, error) {
	for _, e := range v.t.entries {
		if e.ContractID == id && e.Sequence != nil && *e.Sequence == seq {
			e = copyEntry(e)
			return &e, nil
		}
	}
	return nil, nil
}

func (v *view) ListEntries(_ context.Context, f billing.EntryFilter) ([]billing.LedgerEntry, error) {
	var out []billing.LedgerEntry
	for _, e := range v.t.entries {
		if f.StudentID != "" && e.StudentID != f.StudentID {
			continue
		}
		if f.ContractID != "" && e.ContractID != f.ContractID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, e.Status) {
			continue
		}
		if f.DueFrom != nil && e.DueDate.Before(*f.DueFrom) {
			continue
		}
		if f.DueTo != nil && e.DueDate.After(*f.DueTo) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if seqOf(a) != seqOf(b) {
			return seqOf(a) < seqOf(b)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (v *view) InsertPayment(_ context.Context, p billing.Payment) error {
	if _, ok := v.t.entries[p.EntryID]; !ok {
		return &billing.NotFoundError{Kind: "ledger entry", ID: string(p.EntryID)}
	}
	v.t.payments[p.ID] = p
	return nil
}

func (v *view) GetPayment(_ context.Context, id billing.PaymentID) (*billing.Payment, error) {
	p, ok := v.t.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (v *view) ListPayments(_ context.Context, id billing.EntryID) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range v.t.payments {
		if p.EntryID == id {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (v *view) DeletePayment(_ context.Context, id billing.PaymentID) error {
	delete(v.t.payments, id)
	return nil
}

func (v *view) CountContractPayments(_ context.Context, id billing.ContractID) (int, error) {
	n := 0
	for _, p := range v.t.payments {
		if e, ok := v.t.entries[p.EntryID]; ok && e.ContractID == id {
			n++
		}
	}
	return n, nil
}

func (v *view) AppendAudit(_ context.Context, a billing.AuditEntry) error {
	v.t.audit = append(v.t.audit, a)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func hasStatus(statuses []billing.EntryStatus, s billing.EntryStatus) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

// seqOf orders non-installment entries after installment ones.
func seqOf(e billing.LedgerEntry) int {
	if e.Sequence == nil {
		return int(^uint(0) >> 1)
	}
	return *e.Sequence
}

func copyInstallment(inst billing.Installment) billing.Installment {
	if inst.PaidDate != nil {
		d := *inst.PaidDate
		inst.PaidDate = &d
	}
	return inst
}

func copyEntry(e billing.LedgerEntry) billing.LedgerEntry {
	if e.PaidDate != nil {
		d := *e.PaidDate
		e.PaidDate = &d
	}
	if e.Sequence != nil {
		s := *e.Sequence
		e.Sequence = &s
	}
	return e
}
