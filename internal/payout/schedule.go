package payout

import (
	"sync"
	"time"

	"github.com/bardlex/ptsminer/pkg/errors"
)

// Unit is the mining time owed per percent of payout. A full cycle over
// accounts summing to 100% lasts 100 units.
const Unit = 35 * time.Second

// ErrNoAccounts is returned once every account has been removed.
var ErrNoAccounts = errors.New(errors.ErrorTypeConfig, "payout_rotate", "no valid user accounts to login with").AsFatal()

// Schedule is a time-weighted round robin over payout accounts. Accounts
// that the pool refuses are removed for good; the others keep their
// percentages.
type Schedule struct {
	mu       sync.Mutex
	accounts []Account
	pos      int
	accrued  time.Duration
	unit     time.Duration
}

// NewSchedule copies accounts into a schedule. The first Rotate selects
// accounts[0].
func NewSchedule(accounts []Account) *Schedule {
	return NewScheduleWithUnit(accounts, Unit)
}

// NewScheduleWithUnit is NewSchedule with a custom time per percent.
func NewScheduleWithUnit(accounts []Account, unit time.Duration) *Schedule {
	return &Schedule{
		accounts: append([]Account(nil), accounts...),
		pos:      len(accounts) - 1,
		unit:     unit,
	}
}

// Rotate advances to the next account and resets the accrued time.
func (s *Schedule) Rotate() (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.accounts) == 0 {
		return Account{}, ErrNoAccounts
	}
	s.pos = (s.pos + 1) % len(s.accounts)
	s.accrued = 0
	return s.accounts[s.pos], nil
}

// current returns the active account. ok is false before the first Rotate
// and after the active account was removed.
func (s *Schedule) current() (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos < 0 || s.pos >= len(s.accounts) {
		return Account{}, false
	}
	return s.accounts[s.pos], true
}

// Remove drops the active account. The next Rotate selects the account that
// followed it.
func (s *Schedule) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos < 0 || s.pos >= len(s.accounts) {
		return
	}
	s.accounts = append(s.accounts[:s.pos], s.accounts[s.pos+1:]...)
	s.pos--
}

// Accrue credits d of logged-in mining time to the active account.
func (s *Schedule) Accrue(d time.Duration) {
	s.mu.Lock()
	s.accrued += d
	s.mu.Unlock()
}

// Accrued returns the time credited since the last Rotate.
func (s *Schedule) Accrued() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accrued
}

// QuotaExceeded reports whether the active account has had its share of the cycle.
func (s *Schedule) QuotaExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos < 0 || s.pos >= len(s.accounts) {
		return false
	}
	return s.accrued > time.Duration(float64(s.unit)*s.accounts[s.pos].Percent)
}

// Quota returns the mining time owed to a.
func (s *Schedule) Quota(a Account) time.Duration {
	return time.Duration(float64(s.unit) * a.Percent)
}

// Len returns the number of accounts left.
func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}
