// Package inmemory provides process-local implementations of the repository,
// lock and replay interfaces. It backs the memory queue mode and tests.
package inmemory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"finsync/internal/domain/account"
	"finsync/internal/domain/investment"
	"finsync/internal/domain/item"
	"finsync/internal/domain/liability"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/transaction"
)

// Store holds every table behind one mutex so multi-table writes such as
// ApplySync stay atomic.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	items         map[string]*item.Item
	accounts      map[string]*account.Account
	transactions  map[string]*transaction.Transaction
	securities    map[string]*investment.Security
	holdings      map[string]*investment.Holding
	liabilities   map[string]*liability.Liability
	notifications []*notification.Notification
	devices       map[string]*notification.DeviceToken
}

func NewStore() *Store {
	return &Store{
		now:          time.Now,
		items:        make(map[string]*item.Item),
		accounts:     make(map[string]*account.Account),
		transactions: make(map[string]*transaction.Transaction),
		securities:   make(map[string]*investment.Security),
		holdings:     make(map[string]*investment.Holding),
		liabilities:  make(map[string]*liability.Liability),
		devices:      make(map[string]*notification.DeviceToken),
	}
}

func (s *Store) Items() *ItemRepository                 { return &ItemRepository{s} }
func (s *Store) Accounts() *AccountRepository           { return &AccountRepository{s} }
func (s *Store) Transactions() *TransactionRepository   { return &TransactionRepository{s} }
func (s *Store) Investments() *InvestmentRepository     { return &InvestmentRepository{s} }
func (s *Store) Liabilities() *LiabilityRepository      { return &LiabilityRepository{s} }
func (s *Store) Notifications() *NotificationRepository { return &NotificationRepository{s} }

func newID() string {
	return uuid.NewString()
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}
