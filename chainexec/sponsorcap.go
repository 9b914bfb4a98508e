package chainexec

import (
	"fmt"
	"sync"
	"time"
)

// ErrSponsorCapExceeded is returned by Reserve when either the per-operation
// or the per-UTC-day cap would be breached.
var ErrSponsorCapExceeded = fmt.Errorf("chainexec: sponsor cap exceeded")

// dailyUsage tracks spend for a single UTC calendar day.
type dailyUsage struct {
	day    string
	weiUsed int64
}

// SponsorCapGuard enforces gas-sponsorship limits: a hard ceiling on any
// single paymaster-sponsored operation, and a per-UTC-calendar-day ceiling
// across all operations for a given chain, enforced by a Reserve/Release pair.
type SponsorCapGuard struct {
	mu               sync.Mutex
	perOperationCap  int64
	perDayCap        int64
	usageByChain     map[string]*dailyUsage
	now              func() time.Time
}

// NewSponsorCapGuard constructs a guard with the given per-operation and
// per-day wei caps. A cap of 0 means "no sponsorship allowed at all" rather
// than "unlimited" — callers must set a positive cap to permit sponsorship.
func NewSponsorCapGuard(perOperationCapWei, perDayCapWei int64) *SponsorCapGuard {
	return &SponsorCapGuard{
		perOperationCap: perOperationCapWei,
		perDayCap:       perDayCapWei,
		usageByChain:    make(map[string]*dailyUsage),
		now:             time.Now,
	}
}

func (g *SponsorCapGuard) today() string {
	return g.now().UTC().Format("2006-01-02")
}

// Reserve checks estimatedCostWei against both caps for chain and, if both
// pass, records the spend immediately (optimistic reservation — the caller
// must call Release if the operation is later abandoned before broadcast).
func (g *SponsorCapGuard) Reserve(chain string, estimatedCostWei int64) error {
	if estimatedCostWei > g.perOperationCap {
		return fmt.Errorf("%w: operation cost %d exceeds per-operation cap %d", ErrSponsorCapExceeded, estimatedCostWei, g.perOperationCap)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	today := g.today()
	u, ok := g.usageByChain[chain]
	if !ok || u.day != today {
		u = &dailyUsage{day: today}
		g.usageByChain[chain] = u
	}
	if u.weiUsed+estimatedCostWei > g.perDayCap {
		return fmt.Errorf("%w: daily sponsorship for %s would reach %d, cap is %d", ErrSponsorCapExceeded, chain, u.weiUsed+estimatedCostWei, g.perDayCap)
	}
	u.weiUsed += estimatedCostWei
	return nil
}

// Release gives back a reservation made by Reserve, for operations abandoned
// before broadcast (e.g. policy or compliance rejected the payment after the
// reservation was taken).
func (g *SponsorCapGuard) Release(chain string, reservedCostWei int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usageByChain[chain]
	if !ok || u.day != g.today() {
		return
	}
	u.weiUsed -= reservedCostWei
	if u.weiUsed < 0 {
		u.weiUsed = 0
	}
}

// UsedToday returns today's recorded sponsorship spend for chain.
func (g *SponsorCapGuard) UsedToday(chain string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usageByChain[chain]
	if !ok || u.day != g.today() {
		return 0
	}
	return u.weiUsed
}
