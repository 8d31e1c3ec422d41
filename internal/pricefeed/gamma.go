package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-exchange/internal/contract"
	"github.com/atmx/paper-exchange/internal/fill"
)

// DefaultGammaURL is the public Polymarket gamma API.
const DefaultGammaURL = "https://gamma-api.polymarket.com"

// ErrNoEvents is returned when no configured event could be fetched.
var ErrNoEvents = errors.New("pricefeed: no events fetched")

var one = decimal.NewFromInt(1)

// Gamma fetches prices for a fixed set of Polymarket events.
type Gamma struct {
	baseURL string
	slugs   []string
	client  *http.Client
	logger  *slog.Logger
}

// NewGamma creates a feed over the events named by slugs. An empty
// baseURL selects DefaultGammaURL.
func NewGamma(baseURL string, slugs []string, logger *slog.Logger) *Gamma {
	if baseURL == "" {
		baseURL = DefaultGammaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gamma{
		baseURL: strings.TrimRight(baseURL, "/"),
		slugs:   slugs,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// gammaEvent is the subset of a gamma event the feed reads. outcomes and
// outcomePrices arrive as JSON-encoded strings.
type gammaEvent struct {
	Slug    string        `json:"slug"`
	Markets []gammaMarket `json:"markets"`
}

// gammaMarket carries outcomes and prices as JSON arrays inside strings.
type gammaMarket struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	Active        bool   `json:"active"`
	Closed        bool   `json:"closed"`
	Outcomes      string `json:"outcomes"`
	OutcomePrices string `json:"outcomePrices"`
}

func (g *Gamma) Prices(ctx context.Context, ids []string) (fill.PriceMap, error) {
	all, err := g.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return pick(all, ids), nil
}

// snapshot fetches every configured event and flattens it to targets.
// Events that fail are logged and left out.
func (g *Gamma) snapshot(ctx context.Context) (fill.PriceMap, error) {
	var (
		mu      sync.Mutex
		fetched int
		prices  = make(fill.PriceMap)
		eg      errgroup.Group
	)
	eg.SetLimit(4)
	for _, slug := range g.slugs {
		eg.Go(func() error {
			ev, err := g.fetchEvent(ctx, slug)
			if err != nil {
				g.logger.Warn("gamma event fetch failed", "slug", slug, "err", err)
				return nil
			}
			if ev == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			fetched++
			flatten(*ev, prices)
			return nil
		})
	}
	eg.Wait()

	if fetched == 0 && len(g.slugs) > 0 {
		return nil, ErrNoEvents
	}
	return prices, nil
}

func (g *Gamma) fetchEvent(ctx context.Context, slug string) (*gammaEvent, error) {
	u := g.baseURL + "/events?" + url.Values{"slug": {slug}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gamma %s: status %d", slug, resp.StatusCode)
	}
	var events []gammaEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode gamma %s: %w", slug, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// flatten adds an event's open markets to prices. A Yes/No market maps to
// id and id_no; a multi-outcome market maps outcome i to id_i and id_i_no.
// Outcomes without a parseable quote are left out, so they read as
// unpriced rather than free.
func flatten(ev gammaEvent, prices fill.PriceMap) {
	for _, m := range ev.Markets {
		if !m.Active || m.Closed || m.ID == "" {
			continue
		}
		outcomes := parseList(m.Outcomes)
		quotes := parseList(m.OutcomePrices)

		if isYesNo(outcomes) {
			yes, yesOK := quote(quotes, 0)
			no, noOK := quote(quotes, 1)
			switch {
			case yesOK && noOK:
			case yesOK:
				no = one.Sub(yes)
			case noOK:
				yes = one.Sub(no)
			default:
				continue
			}
			prices[m.ID] = yes
			prices[m.ID+contract.NoSuffix] = no
			continue
		}
		for i := range outcomes {
			yes, ok := quote(quotes, i)
			if !ok {
				continue
			}
			target := contract.OutcomeTarget(m.ID, i)
			prices[target] = yes
			prices[target+contract.NoSuffix] = one.Sub(yes)
		}
	}
}

func isYesNo(outcomes []string) bool {
	return len(outcomes) == 2 &&
		strings.EqualFold(outcomes[0], "yes") &&
		strings.EqualFold(outcomes[1], "no")
}

// parseList decodes a JSON array carried inside a string; malformed input
// yields nil.
func parseList(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// quote parses quotes[i]. It reports false when the entry is missing,
// malformed or outside [0, 1].
func quote(quotes []string, i int) (decimal.Decimal, bool) {
	if i >= len(quotes) {
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(strings.TrimSpace(quotes[i]))
	if err != nil || p.IsNegative() || p.GreaterThan(one) {
		return decimal.Zero, false
	}
	return p, true
}
