package sanity

import "github.com/holiman/uint256"

// rebaseLimiter tracks how much pooled value may still be recognised in the
// current report before the share rate grows past MaxPositiveTokenRebase.
type rebaseLimiter struct {
	current   *uint256.Int
	max       *uint256.Int
	unlimited bool
}

func newRebaseLimiter(limit uint64, preTotalValue *uint256.Int) *rebaseLimiter {
	l := &rebaseLimiter{current: new(uint256.Int).Set(orZero(preTotalValue))}
	if limit == UnlimitedRebase || preTotalValue == nil || preTotalValue.IsZero() {
		l.unlimited = true
		return l
	}
	headroom, overflow := new(uint256.Int).MulDivOverflow(preTotalValue, uint256.NewInt(limit), rebasePrecision)
	if overflow {
		l.unlimited = true
		return l
	}
	l.max = new(uint256.Int).Add(preTotalValue, headroom)
	return l
}

func (l *rebaseLimiter) decrease(amount *uint256.Int) {
	if amount.Gt(l.current) {
		l.current.Clear()
		return
	}
	l.current.Sub(l.current, amount)
}

// increase consumes up to amount of the remaining headroom and returns the
// part that fits.
func (l *rebaseLimiter) increase(amount *uint256.Int) *uint256.Int {
	amount = orZero(amount)
	if l.unlimited {
		l.current.Add(l.current, amount)
		return new(uint256.Int).Set(amount)
	}
	if !l.max.Gt(l.current) {
		return new(uint256.Int)
	}
	room := new(uint256.Int).Sub(l.max, l.current)
	consumed := new(uint256.Int).Set(amount)
	if consumed.Gt(room) {
		consumed.Set(room)
	}
	l.current.Add(l.current, consumed)
	return consumed
}

// Smoothing is the part of the vault balances a report may collect.
type Smoothing struct {
	Withdrawals *uint256.Int
	ELRewards   *uint256.Int
}

// SmoothenTokenRebase caps the withdrawals and execution-layer rewards
// collected by one report. Consensus-layer changes are always recognised and
// consume headroom first; the withdrawal vault is drained before the rewards
// vault. Uncollected amounts stay outside the pool for a later report.
func (c *Checker) SmoothenTokenRebase(preTotalValue, preCLBalance, postCLBalance, withdrawalVault, elRewardsVault *uint256.Int) Smoothing {
	limiter := newRebaseLimiter(c.Limits().MaxPositiveTokenRebase, preTotalValue)
	pre := orZero(preCLBalance)
	post := orZero(postCLBalance)
	if post.Lt(pre) {
		limiter.decrease(new(uint256.Int).Sub(pre, post))
	} else {
		limiter.increase(new(uint256.Int).Sub(post, pre))
	}
	return Smoothing{
		Withdrawals: limiter.increase(withdrawalVault),
		ELRewards:   limiter.increase(elRewardsVault),
	}
}
