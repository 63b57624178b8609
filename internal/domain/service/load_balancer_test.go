package service

import (
	"testing"
	"time"

	"github.com/ngoclaw/gravitygate/internal/domain/entity"
)

func poolOf(n int) []*entity.Account {
	accounts := make([]*entity.Account, 0, n)
	for i := 0; i < n; i++ {
		accounts = append(accounts, &entity.Account{
			ID:    string(rune('a' + i)),
			Email: string(rune('a'+i)) + "@example.com",
		})
	}
	return accounts
}

func TestLoadBalancer_RoundRobinFairness(t *testing.T) {
	lb := NewLoadBalancer(StrategyRoundRobin, time.Minute)
	lb.SetAccounts(poolOf(6))

	counts := make(map[string]int)
	for i := 0; i < 12; i++ {
		acct, ok := lb.GetNextAccount()
		if !ok {
			t.Fatalf("pick %d: expected an account", i)
		}
		counts[acct.ID]++
	}

	if len(counts) != 6 {
		t.Fatalf("expected all 6 accounts used, got %d", len(counts))
	}
	for id, c := range counts {
		if c != 2 {
			t.Errorf("account %s picked %d times, want 2", id, c)
		}
	}
}

func TestLoadBalancer_FillFirstSticksToFirst(t *testing.T) {
	lb := NewLoadBalancer(StrategyFillFirst, time.Minute)
	lb.SetAccounts(poolOf(3))

	for i := 0; i < 5; i++ {
		acct, ok := lb.GetNextAccount()
		if !ok {
			t.Fatal("expected an account")
		}
		if acct.ID != "a" {
			t.Fatalf("pick %d: got %s, want a", i, acct.ID)
		}
	}

	lb.MarkRateLimited("a", time.Minute)
	acct, ok := lb.GetNextAccount()
	if !ok {
		t.Fatal("expected an account after limiting a")
	}
	if acct.ID != "b" {
		t.Fatalf("got %s, want b", acct.ID)
	}
}

func TestLoadBalancer_FailoverToDifferentAccount(t *testing.T) {
	lb := NewLoadBalancer(StrategyRoundRobin, time.Minute)
	lb.SetAccounts(poolOf(2))

	first, ok := lb.GetNextAccount()
	if !ok {
		t.Fatal("expected an account")
	}
	lb.MarkRateLimited(first.ID, time.Minute)

	for i := 0; i < 3; i++ {
		next, ok := lb.GetNextAccount()
		if !ok {
			t.Fatal("expected the other account to be available")
		}
		if next.ID == first.ID {
			t.Fatalf("pick %d returned limited account %s", i, first.ID)
		}
	}
}

func TestLoadBalancer_NoneAvailable(t *testing.T) {
	lb := NewLoadBalancer(StrategyRoundRobin, time.Minute)
	lb.SetAccounts(poolOf(2))

	lb.MarkRateLimited("a", time.Minute)
	lb.MarkQuotaExceeded("b")

	if _, ok := lb.GetNextAccount(); ok {
		t.Fatal("expected no account")
	}
	if got := lb.AvailableCount(); got != 0 {
		t.Fatalf("AvailableCount = %d, want 0", got)
	}
	if lb.PoolSize() != 2 {
		t.Fatalf("PoolSize = %d, want 2", lb.PoolSize())
	}
}

func TestLoadBalancer_RateLimitRecovery(t *testing.T) {
	now := time.Now()
	lb := NewLoadBalancer(StrategyRoundRobin, time.Minute)
	lb.SetAccounts(poolOf(2))
	lb.SetClock(func() time.Time { return now })

	lb.MarkRateLimited("a", 60*time.Second)

	// Three picks while a is limited all land on b.
	for i := 0; i < 3; i++ {
		acct, ok := lb.GetNextAccount()
		if !ok || acct.ID != "b" {
			t.Fatalf("pick %d: got %v, want b", i, acct)
		}
	}

	// At t+61s both are eligible again.
	now = now.Add(61 * time.Second)
	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		acct, ok := lb.GetNextAccount()
		if !ok {
			t.Fatal("expected an account after expiry")
		}
		seen[acct.ID] = true
	}
	if !seen["a"] {
		t.Error("account a never recovered after rate limit expiry")
	}
}

func TestLoadBalancer_QuotaExceededSticky(t *testing.T) {
	now := time.Now()
	lb := NewLoadBalancer(StrategyRoundRobin, time.Minute)
	lb.SetAccounts(poolOf(1))
	lb.SetClock(func() time.Time { return now })

	lb.MarkQuotaExceeded("a")
	now = now.Add(24 * time.Hour)
	if _, ok := lb.GetNextAccount(); ok {
		t.Fatal("quota-exceeded account must not auto-recover")
	}

	// Replacing the pool resets the sticky flag.
	lb.SetAccounts(poolOf(1))
	if _, ok := lb.GetNextAccount(); !ok {
		t.Fatal("expected account after pool replacement")
	}
}

func TestLoadBalancer_SkipsDisabledAccounts(t *testing.T) {
	lb := NewLoadBalancer(StrategyRoundRobin, time.Minute)
	accounts := poolOf(2)
	accounts[0].Disabled = true
	lb.SetAccounts(accounts)

	if lb.PoolSize() != 1 {
		t.Fatalf("PoolSize = %d, want 1", lb.PoolSize())
	}
	acct, ok := lb.GetNextAccount()
	if !ok || acct.ID != "b" {
		t.Fatalf("got %v, want b", acct)
	}
}

func TestLoadBalancer_RequestCountAndLastUsed(t *testing.T) {
	lb := NewLoadBalancer(StrategyFillFirst, time.Minute)
	lb.SetAccounts(poolOf(1))

	before := time.Now()
	if _, ok := lb.GetNextAccount(); !ok {
		t.Fatal("expected an account")
	}
	snap := lb.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d, want 1", len(snap))
	}
	if snap[0].RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1", snap[0].RequestCount)
	}
	if snap[0].LastUsed.Before(before) {
		t.Error("LastUsed not updated")
	}
}

func TestLoadBalancer_SoonestRecovery(t *testing.T) {
	now := time.Now()
	lb := NewLoadBalancer(StrategyRoundRobin, time.Minute)
	lb.SetAccounts(poolOf(3))
	lb.SetClock(func() time.Time { return now })

	lb.MarkRateLimited("a", 3*time.Minute)
	lb.MarkRateLimited("b", time.Minute)

	want := now.Add(time.Minute)
	if got := lb.SoonestRecovery(); !got.Equal(want) {
		t.Fatalf("SoonestRecovery = %v, want %v", got, want)
	}
}
