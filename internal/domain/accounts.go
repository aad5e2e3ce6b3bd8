package domain

// AccountType identifies one of the deal's cash accounts.
type AccountType string

const (
	AccountPayment    AccountType = "PAYMENT"
	AccountCollection AccountType = "COLLECTION"
	AccountRampUp     AccountType = "RAMP_UP"
	AccountReserve    AccountType = "RESERVE"
	AccountExpense    AccountType = "EXPENSE"
)

// CashType splits an account balance into interest and principal
// proceeds, which the waterfall treats differently.
type CashType string

const (
	CashInterest  CashType = "INTEREST"
	CashPrincipal CashType = "PRINCIPAL"
)

// AccountKey addresses one balance bucket.
type AccountKey struct {
	Account AccountType `json:"account"`
	Cash    CashType    `json:"cash"`
}
