package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/homeserv/internal/commission"
	"github.com/mbd888/homeserv/internal/money"
)

// Reserved accounts.
const (
	PlatformAccount = "platform"
	TaxAccount      = "platform:tax"
	GatewayAccount  = "gateway"
)

// CashAccount is the account tracking cash a worker collected on the
// platform's behalf. A worker's net position is the sum of their own account
// and this one.
func CashAccount(workerID string) string {
	return "cash:" + workerID
}

// Line is one side of a batch.
type Line struct {
	AccountID   string          `json:"accountId"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Description string          `json:"description,omitempty"`
}

// Batch is a set of lines that must be appended together.
type Batch struct {
	TransactionID string `json:"transactionId"`
	Lines         []Line `json:"lines"`
}

// Debit appends a debit line. Zero amounts are skipped.
func (b *Batch) Debit(accountID string, amount decimal.Decimal, description string) *Batch {
	if amount.IsZero() {
		return b
	}
	b.Lines = append(b.Lines, Line{AccountID: accountID, Debit: amount, Credit: decimal.Zero, Description: description})
	return b
}

// Credit appends a credit line. Zero amounts are skipped.
func (b *Batch) Credit(accountID string, amount decimal.Decimal, description string) *Batch {
	if amount.IsZero() {
		return b
	}
	b.Lines = append(b.Lines, Line{AccountID: accountID, Debit: decimal.Zero, Credit: amount, Description: description})
	return b
}

// Validate checks every line and that the batch balances.
func (b Batch) Validate() error {
	if len(b.Lines) == 0 {
		return ErrEmptyBatch
	}
	debits, credits := decimal.Zero, decimal.Zero
	for i, l := range b.Lines {
		if l.AccountID == "" {
			return fmt.Errorf("%w (line %d)", ErrMissingAcct, i)
		}
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return fmt.Errorf("%w (line %d: negative amount)", ErrInvalidLine, i)
		}
		if l.Debit.IsPositive() == l.Credit.IsPositive() {
			return fmt.Errorf("%w (line %d)", ErrInvalidLine, i)
		}
		if !l.Debit.Equal(money.Round(l.Debit)) || !l.Credit.Equal(money.Round(l.Credit)) {
			return fmt.Errorf("%w (line %d: more than %d decimal places)", ErrInvalidLine, i, money.Scale)
		}
		debits = debits.Add(l.Debit)
		credits = credits.Add(l.Credit)
	}
	if !debits.Equal(credits) {
		return fmt.Errorf("%w: debits %s, credits %s", ErrImbalance, debits, credits)
	}
	return nil
}

// Accounts returns the distinct accounts touched, sorted.
func (b Batch) Accounts() []string {
	ids := make([]string, 0, len(b.Lines))
	for _, l := range b.Lines {
		ids = append(ids, l.AccountID)
	}
	return sortedUnique(ids)
}

// Total is the sum of debits (equal to credits when balanced).
func (b Batch) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range b.Lines {
		sum = sum.Add(l.Debit)
	}
	return sum
}

// GatewaySettle records a payment the gateway confirmed:
// debit client(total); credit worker(workerNet); credit platform(commission);
// credit tax(taxes).
func GatewaySettle(txID, clientID, workerID string, bd commission.Breakdown) Batch {
	b := &Batch{TransactionID: txID}
	b.Debit(clientID, bd.Total, "gateway payment").
		Credit(workerID, bd.WorkerNet, "job earnings").
		Credit(PlatformAccount, bd.PlatformCommission, "platform commission").
		Credit(TaxAccount, bd.Taxes, "service tax")
	return *b
}

// CashSettle records a job the client paid in cash to the worker:
// credit worker(total) since they hold the cash; debit worker(commission) and
// taxes they owe back; credit platform(commission); credit tax(taxes). The
// cash itself is debited to the worker's cash account, so the worker's net
// position drops by what they owe.
func CashSettle(txID, workerID string, bd commission.Breakdown) Batch {
	b := &Batch{TransactionID: txID}
	b.Credit(workerID, bd.Total, "cash collected").
		Debit(workerID, bd.PlatformCommission, "commission owed").
		Credit(PlatformAccount, bd.PlatformCommission, "platform commission").
		Debit(workerID, bd.Taxes, "tax owed").
		Credit(TaxAccount, bd.Taxes, "service tax").
		Debit(CashAccount(workerID), bd.Total, "cash held by worker")
	return *b
}

// DebtPayment records a worker paying down cash-commission debt through the
// gateway: debit gateway(amount); credit the worker's cash account(amount).
func DebtPayment(txID, workerID string, amount decimal.Decimal) Batch {
	b := &Batch{TransactionID: txID}
	b.Debit(GatewayAccount, amount, "debt payment received").
		Credit(CashAccount(workerID), amount, "debt payment")
	return *b
}

// Withdrawal records a payout of available funds to the worker's bank:
// debit worker(amount); credit gateway(amount).
func Withdrawal(txID, workerID string, amount decimal.Decimal) Batch {
	b := &Batch{TransactionID: txID}
	b.Debit(workerID, amount, "withdrawal").
		Credit(GatewayAccount, amount, "withdrawal payout")
	return *b
}

// Reversal mirrors entries: every debit becomes a credit and vice versa.
func Reversal(txID string, original []*Entry, description string) Batch {
	b := &Batch{TransactionID: txID}
	for _, e := range original {
		desc := description
		if desc == "" {
			desc = "reversal of " + e.ID
		}
		b.Debit(e.AccountID, e.Credit, desc)
		b.Credit(e.AccountID, e.Debit, desc)
	}
	return *b
}
