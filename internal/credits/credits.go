package credits

import (
	"fmt"

	"github.com/kalambet/leadscout/internal/storage"
)

// costs maps each search type to the credits required before execution starts.
var costs = map[storage.SearchType]int{
	storage.SearchOrganization:       5,
	storage.SearchOrganizationPeople: 10,
	storage.SearchEmailEnrichment:    10,
	storage.SearchSingleEmail:        1,
	storage.SearchBulkEmail:          15,
	storage.SearchExtension:          2,
	storage.SearchIndividual:         3,
}

// InsufficientCreditsError reports a failed credit precheck. It carries
// everything the caller needs for user messaging.
type InsufficientCreditsError struct {
	Balance    int
	Required   int
	SearchType storage.SearchType
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s search: have %d, need %d",
		e.SearchType, e.Balance, e.Required)
}

// Balances abstracts the ledger operations the precheck needs.
type Balances interface {
	GetCredits(userID int64) (storage.CreditBalance, error)
	DeductCredits(userID int64, amount int) error
}

// Ledger gates job execution on credit balance and performs the
// post-completion deduction.
type Ledger struct {
	store Balances
}

// NewLedger creates a Ledger over the given balance store.
func NewLedger(store Balances) *Ledger {
	return &Ledger{store: store}
}

// Cost returns the credit cost of a search type. Unknown types cost 1.
func Cost(searchType storage.SearchType) int {
	if c, ok := costs[searchType]; ok {
		return c
	}
	return 1
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(userID int64) (storage.CreditBalance, error) {
	return l.store.GetCredits(userID)
}

// EnsureBalance verifies the user can afford a search of the given type.
// Returns *InsufficientCreditsError when the balance is short; the caller
// must fail the job immediately and never retry, since the precondition
// will not change on its own.
func (l *Ledger) EnsureBalance(userID int64, searchType storage.SearchType) error {
	cb, err := l.store.GetCredits(userID)
	if err != nil {
		return fmt.Errorf("reading credit balance: %w", err)
	}
	required := Cost(searchType)
	if cb.Balance < required {
		return &InsufficientCreditsError{Balance: cb.Balance, Required: required, SearchType: searchType}
	}
	return nil
}

// Deduct charges the user for a completed search. Called only after the job
// reaches completed — the precheck gates entry, the deduction is tied to
// success.
func (l *Ledger) Deduct(userID int64, searchType storage.SearchType) error {
	if err := l.store.DeductCredits(userID, Cost(searchType)); err != nil {
		return fmt.Errorf("deducting %d credits: %w", Cost(searchType), err)
	}
	return nil
}
