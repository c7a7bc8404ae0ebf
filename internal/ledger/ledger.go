// Package ledger manages workspace credit balances as an append-only,
// balance-chained transaction log with monthly limit enforcement.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

const (
	warnThreshold  = 0.8
	blockThreshold = 1.0
)

// Reference ties a transaction back to the step or execution that caused it.
type Reference struct {
	ExecutionID string
	StepID      string
	Description string
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed      bool    `json:"allowed"`
	Warning      bool    `json:"warning"`
	Ratio        float64 `json:"ratio"`
	MonthUsed    int64   `json:"month_used"`
	MonthlyLimit int64   `json:"monthly_limit"`
}

// Ledger serializes balance reads and appends per workspace so concurrent
// writers never chain off a stale balance.
type Ledger struct {
	store store.Store
	log   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // workspace ID → append lock
}

func New(st store.Store, log *slog.Logger) *Ledger {
	return &Ledger{
		store: st,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(workspaceID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[workspaceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[workspaceID] = m
	}
	return m
}

// Balance returns the balance_after of the workspace's most recent
// transaction, or 0 if none exists.
func (l *Ledger) Balance(ctx context.Context, workspaceID string) (int64, error) {
	return l.store.LatestBalance(ctx, workspaceID)
}

// Record appends a transaction. The amount must be nonzero and carry the
// sign its type requires: negative for usage, positive for charge, refund
// and bonus, either sign for adjustment.
func (l *Ledger) Record(ctx context.Context, workspaceID string, txType schema.TransactionType, amount int64, ref Reference) (*store.CreditTransaction, error) {
	if !schema.ValidTransactionTypes[txType] {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown transaction type: %s", txType)
	}
	if amount == 0 {
		return nil, schema.NewError(schema.ErrCodeZeroAmount, "zero-amount transactions are rejected")
	}
	if err := checkSign(txType, amount); err != nil {
		return nil, err
	}

	lock := l.lockFor(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	tx := &store.CreditTransaction{
		WorkspaceID: workspaceID,
		Type:        txType,
		Amount:      amount,
		ExecutionID: ref.ExecutionID,
		StepID:      ref.StepID,
		Description: ref.Description,
	}
	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		return nil, schema.NewError(schema.ErrCodeLedgerIntegrity, "append transaction").WithCause(err)
	}

	l.log.InfoContext(ctx, "credit transaction recorded",
		"workspace_id", workspaceID,
		"type", string(txType),
		"amount", amount,
		"balance_after", tx.BalanceAfter,
	)
	l.audit(ctx, workspaceID, "record_transaction", "credit_transaction", tx)
	return tx, nil
}

// CheckLimit reports whether projected usage fits under the workspace's
// monthly limit. A missing limit row or monthly_limit = 0 means unlimited.
// Blocking requires auto_stop; a ratio at or past 0.8 surfaces as a warning
// regardless.
func (l *Ledger) CheckLimit(ctx context.Context, workspaceID string, projectedUsage int64) (*Decision, error) {
	limit, err := l.store.GetCreditLimit(ctx, workspaceID)
	if err != nil {
		if cwErr, ok := err.(*schema.CrewlineError); ok && cwErr.Code == schema.ErrCodeNotFound {
			return &Decision{Allowed: true}, nil
		}
		return nil, err
	}
	if limit.MonthlyLimit <= 0 {
		return &Decision{Allowed: true}, nil
	}

	from, to := currentMonth(time.Now().UTC())
	used, err := l.store.SumUsage(ctx, workspaceID, from, to)
	if err != nil {
		return nil, err
	}

	ratio := float64(used+projectedUsage) / float64(limit.MonthlyLimit)
	d := &Decision{
		Allowed:      true,
		Ratio:        ratio,
		MonthUsed:    used,
		MonthlyLimit: limit.MonthlyLimit,
	}
	if ratio >= blockThreshold && limit.AutoStop {
		d.Allowed = false
	}
	if ratio >= warnThreshold {
		d.Warning = true
		l.log.WarnContext(ctx, "workspace approaching credit limit",
			"workspace_id", workspaceID,
			"month_used", used,
			"monthly_limit", limit.MonthlyLimit,
			"ratio", ratio,
		)
	}
	return d, nil
}

// Usage returns the sum of usage transaction magnitudes in [from, to).
func (l *Ledger) Usage(ctx context.Context, workspaceID string, from, to time.Time) (int64, error) {
	return l.store.SumUsage(ctx, workspaceID, from, to)
}

// SetLimit upserts the workspace's spending policy.
func (l *Ledger) SetLimit(ctx context.Context, workspaceID string, monthlyLimit int64, autoStop bool) error {
	if monthlyLimit < 0 {
		return schema.NewError(schema.ErrCodeValidation, "monthly_limit cannot be negative")
	}
	cl := &store.CreditLimit{
		WorkspaceID:  workspaceID,
		MonthlyLimit: monthlyLimit,
		AutoStop:     autoStop,
	}
	if err := l.store.SetCreditLimit(ctx, cl); err != nil {
		return err
	}
	l.audit(ctx, workspaceID, "set_limit", "credit_limit", cl)
	return nil
}

// Transactions lists the workspace's transactions in append order.
func (l *Ledger) Transactions(ctx context.Context, workspaceID string, filter store.TransactionFilter) ([]*store.CreditTransaction, error) {
	return l.store.ListTransactions(ctx, workspaceID, filter)
}

func (l *Ledger) audit(ctx context.Context, workspaceID, action, resourceType string, details any) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = nil
	}
	if err := l.store.AppendAudit(ctx, &store.AuditEntry{
		WorkspaceID:  workspaceID,
		Action:       action,
		ResourceType: resourceType,
		Details:      payload,
	}); err != nil {
		l.log.WarnContext(ctx, "audit append failed", "action", action, "error", err)
	}
}

func checkSign(txType schema.TransactionType, amount int64) error {
	switch txType {
	case schema.TransactionTypeUsage:
		if amount > 0 {
			return schema.NewError(schema.ErrCodeValidation, "usage amounts must be negative")
		}
	case schema.TransactionTypeCharge, schema.TransactionTypeRefund, schema.TransactionTypeBonus:
		if amount < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s amounts must be positive", txType)
		}
	case schema.TransactionTypeAdjustment:
		// either sign
	}
	return nil
}

// currentMonth returns the half-open UTC range of the calendar month
// containing t.
func currentMonth(t time.Time) (time.Time, time.Time) {
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}
