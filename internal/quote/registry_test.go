package quote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/exposure"
	"github.com/microbook/quote-engine/internal/model"
	"github.com/microbook/quote-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var homeAway = map[string]decimal.Decimal{"home": d(1.9), "away": d(2.0)}

func setup(t *testing.T) (*Registry, *store.MemoryStore, *exposure.Ledger, *fakeClock) {
	t.Helper()
	st := store.NewMemoryStore()
	ledger := exposure.NewLedger()
	clock := &fakeClock{t: time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(st, ledger).WithClock(clock.Now), st, ledger, clock
}

func issueReq(side string, stake float64, ttl time.Duration) IssueRequest {
	return IssueRequest{
		MarketID: "m1",
		Side:     side,
		ClientID: "10.0.0.1",
		Stake:    d(stake),
		Odds:     homeAway,
		Price:    d(stake).Mul(homeAway[side]).Mul(d(1.02)),
		MaxStake: d(10),
		Limit:    d(10),
		TTL:      ttl,
	}
}

var key = model.ExposureKey{MarketID: "m1", Side: "home"}

func TestIssue_ReservesExposure(t *testing.T) {
	reg, st, ledger, _ := setup(t)

	q, err := reg.Issue(context.Background(), issueReq("home", 2.5, time.Minute))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if q.State != model.QuoteQuoted || !q.Odds.Equal(d(1.9)) {
		t.Errorf("unexpected quote: %+v", q)
	}
	if !ledger.Committed(key).Equal(d(2.5)) {
		t.Errorf("expected 2.5 committed, got %s", ledger.Committed(key))
	}
	if _, err := st.GetQuote(context.Background(), q.ID); err != nil {
		t.Errorf("quote not persisted: %v", err)
	}
}

func TestIssue_InvalidSide(t *testing.T) {
	reg, _, ledger, _ := setup(t)

	_, err := reg.Issue(context.Background(), issueReq("draw", 1, time.Minute))
	if !errors.Is(err, ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
	if len(ledger.Snapshot()) != 0 {
		t.Error("invalid side must not reserve exposure")
	}
}

func TestIssue_ExposureExceeded(t *testing.T) {
	reg, _, _, _ := setup(t)
	ctx := context.Background()

	if _, err := reg.Issue(ctx, issueReq("home", 8, time.Minute)); err != nil {
		t.Fatalf("first issue: %v", err)
	}
	_, err := reg.Issue(ctx, issueReq("home", 2.5, time.Minute))
	if !errors.Is(err, ErrExposureExceeded) {
		t.Errorf("expected ErrExposureExceeded, got %v", err)
	}
	if _, err := reg.Issue(ctx, issueReq("away", 2.5, time.Minute)); err != nil {
		t.Errorf("other side should be unaffected: %v", err)
	}
}

// 10 concurrent requests of 1.5 against limit 10: exactly 6 succeed.
func TestIssue_ConcurrentNeverExceedsLimit(t *testing.T) {
	reg, _, ledger, _ := setup(t)

	var wg sync.WaitGroup
	var issued, rejected int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Issue(context.Background(), issueReq("home", 1.5, time.Minute))
			switch {
			case err == nil:
				atomic.AddInt64(&issued, 1)
			case errors.Is(err, ErrExposureExceeded):
				atomic.AddInt64(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if issued != 6 || rejected != 4 {
		t.Errorf("expected 6 issued / 4 rejected, got %d / %d", issued, rejected)
	}
	if !ledger.Committed(key).Equal(d(9)) {
		t.Errorf("expected 9 committed, got %s", ledger.Committed(key))
	}
}

func TestConfirm_CreatesPosition(t *testing.T) {
	reg, st, ledger, _ := setup(t)
	ctx := context.Background()
	q, _ := reg.Issue(ctx, issueReq("home", 1, time.Minute))

	p, err := reg.Confirm(ctx, q.ID, func(_ context.Context, q model.Quote) (string, error) {
		return "0xmint-" + q.ID, nil
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if p.ID != q.ID || p.TxHash != "0xmint-"+q.ID || !p.Stake.Equal(d(1)) {
		t.Errorf("unexpected position: %+v", p)
	}
	if _, err := st.GetPosition(ctx, q.ID); err != nil {
		t.Errorf("position not persisted: %v", err)
	}
	// Confirmed quotes keep their exposure.
	if !ledger.Committed(key).Equal(d(1)) {
		t.Errorf("expected 1 committed, got %s", ledger.Committed(key))
	}

	_, err = reg.Confirm(ctx, q.ID, nil)
	if !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("expected ErrAlreadyConfirmed on second confirm, got %v", err)
	}
}

func TestConfirm_ConcurrentExactlyOnce(t *testing.T) {
	reg, st, _, _ := setup(t)
	ctx := context.Background()
	q, _ := reg.Issue(ctx, issueReq("home", 1, time.Minute))

	var finalized int64
	finalize := func(context.Context, model.Quote) (string, error) {
		atomic.AddInt64(&finalized, 1)
		time.Sleep(5 * time.Millisecond)
		return "0xabc", nil
	}

	var wg sync.WaitGroup
	var ok, dup int64
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := reg.Confirm(ctx, q.ID, finalize)
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, ErrAlreadyConfirmed):
				atomic.AddInt64(&dup, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok != 1 || dup != 15 {
		t.Errorf("expected exactly one confirmation, got %d ok / %d dup", ok, dup)
	}
	if finalized != 1 {
		t.Errorf("expected finalize to run once, ran %d times", finalized)
	}
	positions, _ := st.ListPositionsByMarket(ctx, "m1")
	if len(positions) != 1 {
		t.Errorf("expected 1 position, got %d", len(positions))
	}
}

func TestConfirm_FinalizeErrorLeavesQuoted(t *testing.T) {
	reg, _, ledger, _ := setup(t)
	ctx := context.Background()
	q, _ := reg.Issue(ctx, issueReq("home", 1, time.Minute))

	boom := errors.New("payment not seen yet")
	_, err := reg.Confirm(ctx, q.ID, func(context.Context, model.Quote) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected finalize error, got %v", err)
	}

	got, _ := reg.Get(ctx, q.ID)
	if got.State != model.QuoteQuoted {
		t.Errorf("expected quote still quoted, got %s", got.State)
	}
	if !ledger.Committed(key).Equal(d(1)) {
		t.Error("exposure must stay reserved while the quote is quoted")
	}

	if _, err := reg.Confirm(ctx, q.ID, nil); err != nil {
		t.Errorf("retry should succeed: %v", err)
	}
}

// waiters reports how many confirmations of id are running or queued.
func waiters(reg *Registry, id string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if c, ok := reg.inflight[id]; ok {
		return c.refs
	}
	return 0
}

func TestConfirm_WaiterProceedsAfterFailedAttempt(t *testing.T) {
	reg, st, _, _ := setup(t)
	ctx := context.Background()
	q, _ := reg.Issue(ctx, issueReq("home", 1, time.Minute))

	entered := make(chan struct{})
	proceed := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		_, err := reg.Confirm(ctx, q.ID, func(context.Context, model.Quote) (string, error) {
			close(entered)
			<-proceed
			return "", errors.New("payment not seen yet")
		})
		first <- err
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		_, err := reg.Confirm(ctx, q.ID, func(context.Context, model.Quote) (string, error) {
			return "0xgood", nil
		})
		second <- err
	}()
	for waiters(reg, q.ID) < 2 {
		time.Sleep(time.Millisecond)
	}
	close(proceed)

	if err := <-first; err == nil {
		t.Fatal("first attempt should fail")
	}
	if err := <-second; err != nil {
		t.Fatalf("queued attempt should confirm after the first fails, got %v", err)
	}
	got, _ := st.GetQuote(ctx, q.ID)
	if got.State != model.QuoteConfirmed {
		t.Errorf("expected confirmed, got %s", got.State)
	}
	if n := waiters(reg, q.ID); n != 0 {
		t.Errorf("expected no claims left, got %d", n)
	}
}

func TestConfirm_WaiterHonoursContext(t *testing.T) {
	reg, _, _, _ := setup(t)
	ctx := context.Background()
	q, _ := reg.Issue(ctx, issueReq("home", 1, time.Minute))

	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Confirm(ctx, q.ID, func(context.Context, model.Quote) (string, error) {
			close(entered)
			<-proceed
			return "0x1", nil
		})
	}()
	<-entered

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := reg.Confirm(cctx, q.ID, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while waiting, got %v", err)
	}
	if n := waiters(reg, q.ID); n != 1 {
		t.Errorf("expected only the running confirmation to hold a claim, got %d", n)
	}
	close(proceed)
	<-done
}

func TestConfirm_ExpiredReleasesSynchronously(t *testing.T) {
	reg, _, ledger, clock := setup(t)
	ctx := context.Background()
	q, _ := reg.Issue(ctx, issueReq("home", 5, time.Minute))

	clock.Advance(time.Minute)

	_, err := reg.Confirm(ctx, q.ID, func(context.Context, model.Quote) (string, error) {
		t.Error("finalize must not run for an expired quote")
		return "", nil
	})
	if !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected ErrQuoteExpired, got %v", err)
	}
	if !ledger.Committed(key).IsZero() {
		t.Errorf("expected exposure released, got %s", ledger.Committed(key))
	}
	got, _ := reg.Get(ctx, q.ID)
	if got.State != model.QuoteExpired {
		t.Errorf("expected expired, got %s", got.State)
	}
}

func TestConfirm_NotFound(t *testing.T) {
	reg, _, _, _ := setup(t)
	_, err := reg.Confirm(context.Background(), "missing", nil)
	if !errors.Is(err, ErrQuoteNotFound) {
		t.Errorf("expected ErrQuoteNotFound, got %v", err)
	}
}

// A stake-5 quote with ttl=0 is due immediately; after a sweep the key
// accepts a quote up to the full limit again.
func TestExpireSweep_ReleasesCapacity(t *testing.T) {
	reg, _, ledger, clock := setup(t)
	ctx := context.Background()

	q, err := reg.Issue(ctx, issueReq("home", 5, 0))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := reg.Issue(ctx, issueReq("home", 10, time.Minute)); !errors.Is(err, ErrExposureExceeded) {
		t.Fatalf("expected full limit unavailable before sweep, got %v", err)
	}

	expired, err := reg.ExpireSweep(ctx, clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != q.ID {
		t.Fatalf("expected the ttl=0 quote expired, got %+v", expired)
	}
	if !ledger.Committed(key).IsZero() {
		t.Errorf("expected exposure released, got %s", ledger.Committed(key))
	}
	if _, err := reg.Issue(ctx, issueReq("home", 10, time.Minute)); err != nil {
		t.Errorf("expected full limit available after sweep: %v", err)
	}

	again, _ := reg.ExpireSweep(ctx, clock.Now())
	if len(again) != 0 {
		t.Errorf("second sweep should be a no-op, expired %d", len(again))
	}
}

func TestExpireSweep_SkipsConfirmationInProgress(t *testing.T) {
	reg, _, _, clock := setup(t)
	ctx := context.Background()
	q, _ := reg.Issue(ctx, issueReq("home", 1, time.Second))

	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := reg.Confirm(ctx, q.ID, func(context.Context, model.Quote) (string, error) {
			close(entered)
			<-proceed
			return "0x1", nil
		})
		done <- err
	}()

	<-entered
	expired, err := reg.ExpireSweep(ctx, clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("sweep must skip a quote being confirmed, expired %d", len(expired))
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Errorf("confirm: %v", err)
	}
}

func TestCancel_ReleasesExposure(t *testing.T) {
	reg, _, ledger, _ := setup(t)
	ctx := context.Background()
	q, _ := reg.Issue(ctx, issueReq("home", 3, time.Minute))

	if err := reg.Cancel(ctx, q.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ledger.Committed(key).IsZero() {
		t.Errorf("expected exposure released, got %s", ledger.Committed(key))
	}
	if err := reg.Cancel(ctx, q.ID); !errors.Is(err, ErrQuoteCancelled) {
		t.Errorf("expected ErrQuoteCancelled, got %v", err)
	}
	if _, err := reg.Confirm(ctx, q.ID, nil); !errors.Is(err, ErrQuoteCancelled) {
		t.Errorf("expected ErrQuoteCancelled on confirm, got %v", err)
	}
}

func TestCancelMarket(t *testing.T) {
	reg, _, ledger, _ := setup(t)
	ctx := context.Background()
	a, _ := reg.Issue(ctx, issueReq("home", 1, time.Minute))
	b, _ := reg.Issue(ctx, issueReq("away", 2, time.Minute))
	reg.Confirm(ctx, b.ID, nil)

	cancelled, err := reg.CancelMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("cancel market: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0].ID != a.ID {
		t.Errorf("expected only the outstanding quote cancelled, got %+v", cancelled)
	}
	if !ledger.Committed(key).IsZero() {
		t.Error("expected home exposure released")
	}
	away := model.ExposureKey{MarketID: "m1", Side: "away"}
	if !ledger.Committed(away).Equal(d(2)) {
		t.Errorf("confirmed exposure must remain, got %s", ledger.Committed(away))
	}
}

func TestRestoreExposure(t *testing.T) {
	reg, st, _, _ := setup(t)
	ctx := context.Background()
	a, _ := reg.Issue(ctx, issueReq("home", 1, time.Minute))
	reg.Issue(ctx, issueReq("home", 2, time.Minute))
	c, _ := reg.Issue(ctx, issueReq("home", 4, time.Minute))
	reg.Confirm(ctx, a.ID, nil)
	reg.Cancel(ctx, c.ID)

	// A fresh process over the same store rebuilds its ledger.
	ledger := exposure.NewLedger()
	fresh := NewRegistry(st, ledger)
	if err := fresh.RestoreExposure(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !ledger.Committed(key).Equal(d(3)) {
		t.Errorf("expected 3 committed after restore, got %s", ledger.Committed(key))
	}
}
