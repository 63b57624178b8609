package service

import (
	"sync"
	"time"

	"github.com/ngoclaw/gravitygate/internal/domain/entity"
)

// Strategy selects how the next account is picked from the pool.
type Strategy string

const (
	StrategyRoundRobin Strategy = "roundRobin" // rotate across accounts
	StrategyFillFirst  Strategy = "fillFirst"  // drain one account before the next
)

// ParseStrategy maps a config string to a Strategy, defaulting to round-robin.
func ParseStrategy(s string) Strategy {
	if Strategy(s) == StrategyFillFirst {
		return StrategyFillFirst
	}
	return StrategyRoundRobin
}

// AccountStatus tracks the availability of one account in the pool.
type AccountStatus struct {
	AccountID       string
	Email           string
	IsRateLimited   bool
	RateLimitExpiry time.Time
	IsQuotaExceeded bool
	RequestCount    int64
	LastUsed        time.Time
}

// Available reports whether the account can serve a request right now.
func (s *AccountStatus) Available() bool {
	return !s.IsRateLimited && !s.IsQuotaExceeded
}

// LoadBalancer distributes requests across upstream accounts. Accounts that
// hit a rate limit are sidelined until the limit expires; accounts whose
// quota is exhausted stay sidelined until the pool is replaced.
type LoadBalancer struct {
	mu               sync.Mutex
	accounts         []*entity.Account
	statuses         map[string]*AccountStatus
	cursor           int
	strategy         Strategy
	defaultRateLimit time.Duration
	now              func() time.Time
}

// NewLoadBalancer creates a balancer with the given strategy.
// defaultRateLimit is applied when the upstream gives no retry-after.
func NewLoadBalancer(strategy Strategy, defaultRateLimit time.Duration) *LoadBalancer {
	if defaultRateLimit <= 0 {
		defaultRateLimit = time.Minute
	}
	return &LoadBalancer{
		statuses:         make(map[string]*AccountStatus),
		strategy:         strategy,
		defaultRateLimit: defaultRateLimit,
		now:              time.Now,
	}
}

// SetAccounts replaces the pool. Disabled accounts are excluded. Statuses of
// accounts no longer present are dropped, which is also how a sticky
// quota-exceeded flag gets reset after an account file reload.
func (lb *LoadBalancer) SetAccounts(accounts []*entity.Account) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	pool := make([]*entity.Account, 0, len(accounts))
	kept := make(map[string]*AccountStatus, len(accounts))
	for _, acct := range accounts {
		if acct.Disabled {
			continue
		}
		pool = append(pool, acct)
		if st, ok := lb.statuses[acct.ID]; ok {
			st.Email = acct.Email
			kept[acct.ID] = st
		} else {
			kept[acct.ID] = &AccountStatus{AccountID: acct.ID, Email: acct.Email}
		}
	}

	lb.accounts = pool
	lb.statuses = kept
	if lb.cursor >= len(pool) {
		lb.cursor = 0
	}
}

// GetNextAccount picks the next available account, or reports none.
// Expired rate limits are cleared before scanning.
func (lb *LoadBalancer) GetNextAccount() (*entity.Account, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.checkExpiredRateLimits()

	n := len(lb.accounts)
	if n == 0 {
		return nil, false
	}

	switch lb.strategy {
	case StrategyFillFirst:
		for i := 0; i < n; i++ {
			if acct, ok := lb.tryPick(i); ok {
				return acct, true
			}
		}
	default: // round robin
		for i := 0; i < n; i++ {
			idx := (lb.cursor + i) % n
			if acct, ok := lb.tryPick(idx); ok {
				lb.cursor = (idx + 1) % n
				return acct, true
			}
		}
	}
	return nil, false
}

// tryPick selects accounts[idx] if it is available. Caller holds the lock.
func (lb *LoadBalancer) tryPick(idx int) (*entity.Account, bool) {
	acct := lb.accounts[idx]
	st := lb.statuses[acct.ID]
	if st == nil || !st.Available() {
		return nil, false
	}
	st.RequestCount++
	st.LastUsed = lb.now()
	return acct, true
}

// MarkRateLimited sidelines an account until now+retryAfter.
// A non-positive retryAfter falls back to the configured default.
func (lb *LoadBalancer) MarkRateLimited(accountID string, retryAfter time.Duration) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	st, ok := lb.statuses[accountID]
	if !ok {
		return
	}
	if retryAfter <= 0 {
		retryAfter = lb.defaultRateLimit
	}
	st.IsRateLimited = true
	st.RateLimitExpiry = lb.now().Add(retryAfter)
}

// MarkQuotaExceeded sidelines an account until the pool is replaced.
func (lb *LoadBalancer) MarkQuotaExceeded(accountID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if st, ok := lb.statuses[accountID]; ok {
		st.IsQuotaExceeded = true
	}
}

// checkExpiredRateLimits clears every rate limit whose expiry has passed.
// Caller holds the lock.
func (lb *LoadBalancer) checkExpiredRateLimits() {
	now := lb.now()
	for _, st := range lb.statuses {
		if st.IsRateLimited && !st.RateLimitExpiry.After(now) {
			st.IsRateLimited = false
			st.RateLimitExpiry = time.Time{}
		}
	}
}

// PoolSize returns the number of accounts in the pool.
func (lb *LoadBalancer) PoolSize() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.accounts)
}

// AvailableCount returns how many accounts could serve a request right now.
func (lb *LoadBalancer) AvailableCount() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.checkExpiredRateLimits()
	count := 0
	for _, acct := range lb.accounts {
		if st := lb.statuses[acct.ID]; st != nil && st.Available() {
			count++
		}
	}
	return count
}

// SoonestRecovery returns the earliest rate-limit expiry among sidelined
// accounts, or zero when nothing is waiting on a timer.
func (lb *LoadBalancer) SoonestRecovery() time.Time {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var soonest time.Time
	for _, st := range lb.statuses {
		if !st.IsRateLimited {
			continue
		}
		if soonest.IsZero() || st.RateLimitExpiry.Before(soonest) {
			soonest = st.RateLimitExpiry
		}
	}
	return soonest
}

// Snapshot exports per-account status in pool order.
func (lb *LoadBalancer) Snapshot() []AccountStatus {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	out := make([]AccountStatus, 0, len(lb.accounts))
	for _, acct := range lb.accounts {
		if st := lb.statuses[acct.ID]; st != nil {
			out = append(out, *st)
		}
	}
	return out
}

// SetClock overrides the time source (for testing).
func (lb *LoadBalancer) SetClock(now func() time.Time) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.now = now
}
