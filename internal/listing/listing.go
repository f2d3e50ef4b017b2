// Package listing validates markets submitted by the market-listing process
// before they are stored and opened for quoting.
package listing

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

// Supported sports.
const (
	SportSoccer     = "soccer"
	SportBasketball = "basketball"
	SportTennis     = "tennis"
	SportLoL        = "lol"
	SportCS2        = "cs2"
	SportDota2      = "dota2"
)

var validSports = map[string]bool{
	SportSoccer:     true,
	SportBasketball: true,
	SportTennis:     true,
	SportLoL:        true,
	SportCS2:        true,
	SportDota2:      true,
}

// idRegex matches market ids such as next-goal-1001.
var idRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,63}$`)

// sideRegex matches side names such as home, away, over, under.
var sideRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// DefaultMaxStake applies when a listing omits max_stake.
var DefaultMaxStake = decimal.NewFromFloat(1.0)

var (
	ErrInvalidMarketID  = errors.New("listing: invalid market id")
	ErrUnsupportedSport = errors.New("listing: unsupported sport")
	ErrInvalidOdds      = errors.New("listing: invalid odds")
	ErrInvalidMaxStake  = errors.New("listing: invalid max stake")
	ErrInvalidExpiry    = errors.New("listing: invalid expiry")
)

// Request is a market submitted for listing.
type Request struct {
	ID          string                     `json:"id"` // empty → generated
	Sport       string                     `json:"sport"`
	Description string                     `json:"description"`
	Odds        map[string]decimal.Decimal `json:"odds"`
	MaxStake    decimal.Decimal            `json:"max_stake"`
	ExpiresAt   time.Time                  `json:"expires_at"`
}

// Build validates req at now and returns the open market it describes.
// defaultMaxStake replaces a zero MaxStake.
func Build(req Request, now time.Time, defaultMaxStake decimal.Decimal) (*model.Market, error) {
	id := strings.ToLower(strings.TrimSpace(req.ID))
	sport := strings.ToLower(strings.TrimSpace(req.Sport))

	if !validSports[sport] {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedSport, req.Sport, strings.Join(Sports(), ", "))
	}
	if id == "" {
		id = sport + "-" + uuid.New().String()[:8]
	}
	if !idRegex.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMarketID, req.ID)
	}

	if len(req.Odds) < 2 {
		return nil, fmt.Errorf("%w: need at least two sides, got %d", ErrInvalidOdds, len(req.Odds))
	}
	odds := make(map[string]decimal.Decimal, len(req.Odds))
	one := decimal.NewFromInt(1)
	for side, o := range req.Odds {
		if !sideRegex.MatchString(side) {
			return nil, fmt.Errorf("%w: bad side name %q", ErrInvalidOdds, side)
		}
		if o.LessThan(one) {
			return nil, fmt.Errorf("%w: %s=%s is below 1", ErrInvalidOdds, side, o)
		}
		odds[side] = o
	}

	maxStake := req.MaxStake
	if maxStake.IsZero() {
		maxStake = defaultMaxStake
	}
	if !maxStake.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMaxStake, maxStake)
	}

	if !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: %s is not in the future", ErrInvalidExpiry, req.ExpiresAt.Format(time.RFC3339))
	}

	return &model.Market{
		ID:          id,
		Sport:       sport,
		Description: req.Description,
		Odds:        odds,
		MaxStake:    maxStake,
		ExpiresAt:   req.ExpiresAt.UTC(),
		Status:      model.MarketOpen,
		CreatedAt:   now,
	}, nil
}

// Sports returns the supported sports in sorted order.
func Sports() []string {
	out := make([]string, 0, len(validSports))
	for s := range validSports {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsSport reports whether s is a supported sport.
func IsSport(s string) bool {
	return validSports[strings.ToLower(s)]
}
