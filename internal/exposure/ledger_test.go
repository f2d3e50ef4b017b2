package exposure

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var home = model.ExposureKey{MarketID: "next-goal-1001", Side: "home"}

func TestTryReserve_WithinLimit(t *testing.T) {
	l := NewLedger()

	if !l.TryReserve(home, d(4), d(10)) {
		t.Fatal("expected reservation within limit")
	}
	if !l.Committed(home).Equal(d(4)) {
		t.Errorf("expected committed 4, got %s", l.Committed(home))
	}
}

func TestTryReserve_ExactlyAtLimit(t *testing.T) {
	l := NewLedger()

	if !l.TryReserve(home, d(10), d(10)) {
		t.Error("reservation reaching the limit exactly should succeed")
	}
	if l.TryReserve(home, d(0.01), d(10)) {
		t.Error("any further stake should be rejected")
	}
}

func TestTryReserve_RejectLeavesStateUnchanged(t *testing.T) {
	l := NewLedger()
	l.TryReserve(home, d(8), d(10))

	if l.TryReserve(home, d(3), d(10)) {
		t.Fatal("8 + 3 > 10 should be rejected")
	}
	if !l.Committed(home).Equal(d(8)) {
		t.Errorf("rejected reservation must not change state, got %s", l.Committed(home))
	}
}

func TestTryReserve_NonPositiveStake(t *testing.T) {
	l := NewLedger()

	if l.TryReserve(home, decimal.Zero, d(10)) {
		t.Error("zero stake should not reserve")
	}
	if l.TryReserve(home, d(-1), d(10)) {
		t.Error("negative stake should not reserve")
	}
}

func TestTryReserve_KeysAreIndependent(t *testing.T) {
	l := NewLedger()
	away := model.ExposureKey{MarketID: home.MarketID, Side: "away"}

	l.TryReserve(home, d(10), d(10))
	if !l.TryReserve(away, d(10), d(10)) {
		t.Error("away side has its own capacity")
	}
}

func TestTryReserve_ConcurrentNeverExceedsLimit(t *testing.T) {
	l := NewLedger()
	limit := d(10)

	var wg sync.WaitGroup
	var admitted int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryReserve(home, d(1.5), limit) {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != 6 {
		t.Errorf("expected 6 of 10 reservations of 1.5 under limit 10, got %d", admitted)
	}
	if l.Committed(home).GreaterThan(limit) {
		t.Errorf("committed %s exceeds limit", l.Committed(home))
	}
	if !l.Committed(home).Equal(d(1.5).Mul(decimal.NewFromInt(admitted))) {
		t.Errorf("committed %s does not match admitted stakes", l.Committed(home))
	}
}

func TestTryReserve_ConcurrentReserveRelease(t *testing.T) {
	l := NewLedger()
	limit := d(5)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryReserve(home, d(1), limit) {
				if l.Committed(home).GreaterThan(limit) {
					t.Error("observed committed stake above limit")
				}
				l.Release(home, d(1))
			}
		}()
	}
	wg.Wait()

	if !l.Committed(home).IsZero() {
		t.Errorf("every reservation was released, got %s", l.Committed(home))
	}
}

func TestRelease_ReturnsCapacity(t *testing.T) {
	l := NewLedger()
	l.TryReserve(home, d(5), d(10))
	l.TryReserve(home, d(5), d(10))

	l.Release(home, d(5))
	if !l.TryReserve(home, d(5), d(10)) {
		t.Error("released capacity should be reusable")
	}
}

func TestRelease_ClampsAtZero(t *testing.T) {
	l := NewLedger()
	l.TryReserve(home, d(1), d(10))
	l.Release(home, d(3))

	if !l.Committed(home).IsZero() {
		t.Errorf("expected committed clamped to 0, got %s", l.Committed(home))
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	l := NewLedger()
	away := model.ExposureKey{MarketID: home.MarketID, Side: "away"}
	l.Restore(map[model.ExposureKey]decimal.Decimal{home: d(7), away: d(2)})

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if !snap[home].Equal(d(7)) {
		t.Errorf("expected home 7, got %s", snap[home])
	}
	if l.TryReserve(home, d(4), d(10)) {
		t.Error("restored exposure must count toward the limit")
	}
}

func TestDropMarket(t *testing.T) {
	l := NewLedger()
	away := model.ExposureKey{MarketID: home.MarketID, Side: "away"}
	other := model.ExposureKey{MarketID: "other-market", Side: "home"}
	l.TryReserve(home, d(3), d(10))
	l.TryReserve(away, d(1), d(10))
	l.TryReserve(other, d(2), d(10))

	if n := l.DropMarket(home.MarketID); n != 2 {
		t.Errorf("expected 2 keys dropped, got %d", n)
	}
	if !l.Committed(home).IsZero() || !l.Committed(away).IsZero() {
		t.Error("dropped keys must report zero committed")
	}
	if !l.Committed(other).Equal(d(2)) {
		t.Errorf("other market must be untouched, got %s", l.Committed(other))
	}
	l.mu.RLock()
	n := len(l.entries)
	l.mu.RUnlock()
	if n != 1 {
		t.Errorf("expected 1 entry left, got %d", n)
	}
}

func TestLimits_For(t *testing.T) {
	limits := NewLimits(d(10), map[string]decimal.Decimal{"over": d(25)})

	if !limits.For("over").Equal(d(25)) {
		t.Errorf("expected explicit over limit 25, got %s", limits.For("over"))
	}
	if !limits.For("home").Equal(d(10)) {
		t.Errorf("expected default 10 for home, got %s", limits.For("home"))
	}
}
