package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-exchange/internal/fill"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const coinTossEvent = `[{
	"slug": "coin-toss",
	"markets": [
		{"id": "548213", "question": "Heads?", "active": true, "closed": false,
		 "outcomes": "[\"Yes\", \"No\"]", "outcomePrices": "[\"0.52\", \"0.48\"]"},
		{"id": "548214", "question": "Settled", "active": true, "closed": true,
		 "outcomes": "[\"Yes\", \"No\"]", "outcomePrices": "[\"1\", \"0\"]"}
	]
}]`

const mvpEvent = `[{
	"slug": "mvp",
	"markets": [
		{"id": "777001", "question": "MVP", "active": true, "closed": false,
		 "outcomes": "[\"Mahomes\", \"Hurts\", \"Other\"]", "outcomePrices": "[\"0.6\", \"0.25\", \"0.15\"]"}
	]
}]`

func gammaServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("slug") {
		case "coin-toss":
			w.Write([]byte(coinTossEvent))
		case "mvp":
			w.Write([]byte(mvpEvent))
		case "empty":
			w.Write([]byte(`[]`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestGamma_FlattensEvents(t *testing.T) {
	srv, _ := gammaServer(t)
	g := NewGamma(srv.URL, []string{"coin-toss", "mvp", "broken", "empty"}, nil)

	prices, err := g.Prices(context.Background(), nil)
	if err != nil {
		t.Fatalf("prices: %v", err)
	}

	want := map[string]float64{
		"548213":      0.52,
		"548213_no":   0.48,
		"777001_0":    0.6,
		"777001_0_no": 0.4,
		"777001_1":    0.25,
		"777001_1_no": 0.75,
		"777001_2":    0.15,
		"777001_2_no": 0.85,
	}
	if len(prices) != len(want) {
		t.Errorf("expected %d targets, got %d: %v", len(want), len(prices), prices)
	}
	for id, p := range want {
		if got, ok := prices[id]; !ok || !got.Equal(d(p)) {
			t.Errorf("%s: expected %v, got %s (present=%v)", id, p, got, ok)
		}
	}
	if _, ok := prices["548214"]; ok {
		t.Error("closed markets must be absent")
	}
}

func TestGamma_FiltersRequestedIDs(t *testing.T) {
	srv, _ := gammaServer(t)
	g := NewGamma(srv.URL, []string{"coin-toss"}, nil)

	prices, err := g.Prices(context.Background(), []string{"548213_no", "unknown"})
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if len(prices) != 1 || !prices["548213_no"].Equal(d(0.48)) {
		t.Errorf("expected only 548213_no, got %v", prices)
	}
}

func TestGamma_AllEventsFailing(t *testing.T) {
	srv, _ := gammaServer(t)
	g := NewGamma(srv.URL, []string{"broken"}, nil)

	if _, err := g.Prices(context.Background(), nil); !errors.Is(err, ErrNoEvents) {
		t.Errorf("expected ErrNoEvents, got %v", err)
	}
}

func TestParseList_Malformed(t *testing.T) {
	if got := parseList("not json"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if _, ok := quote([]string{"abc"}, 0); ok {
		t.Error("malformed quote must not parse")
	}
	if _, ok := quote(nil, 3); ok {
		t.Error("missing quote must not parse")
	}
	if _, ok := quote([]string{"1.5"}, 0); ok {
		t.Error("quote above 1 must not parse")
	}
	if q, ok := quote([]string{"0.42"}, 0); !ok || !q.Equal(d(0.42)) {
		t.Errorf("expected 0.42, got %s (%v)", q, ok)
	}
}

func TestFlatten_UnpricedMarketsAreAbsent(t *testing.T) {
	ev := gammaEvent{Markets: []gammaMarket{
		{ID: "100", Active: true, Outcomes: `["Yes","No"]`, OutcomePrices: ""},
		{ID: "200", Active: true, Outcomes: `["Yes","No"]`, OutcomePrices: `["0.3"]`},
		{ID: "300", Active: true, Outcomes: `["A","B","C"]`, OutcomePrices: `["0.2","oops"]`},
	}}
	prices := fill.PriceMap{}
	flatten(ev, prices)

	for _, id := range []string{"100", "100_no", "300_1", "300_1_no", "300_2", "300_2_no"} {
		if p, ok := prices[id]; ok {
			t.Errorf("%s: unpriced target must be absent, got %s", id, p)
		}
	}
	if !prices["200"].Equal(d(0.3)) || !prices["200_no"].Equal(d(0.7)) {
		t.Errorf("expected 200 = 0.3 and derived NO 0.7, got %s / %s", prices["200"], prices["200_no"])
	}
	if !prices["300_0"].Equal(d(0.2)) || !prices["300_0_no"].Equal(d(0.8)) {
		t.Errorf("expected 300_0 = 0.2 / 0.8, got %s / %s", prices["300_0"], prices["300_0_no"])
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(fill.PriceMap{"548213": d(0.7)})
	ctx := context.Background()

	prices, _ := s.Prices(ctx, []string{"548213", "548213_no", "999"})
	if len(prices) != 2 || !prices["548213_no"].Equal(d(0.3)) {
		t.Errorf("expected YES and derived NO, got %v", prices)
	}

	s.Set("999", d(0.1))
	s.Remove("548213")
	prices, _ = s.Prices(ctx, nil)
	if len(prices) != 1 || !prices["999"].Equal(d(0.1)) {
		t.Errorf("expected only 999, got %v", prices)
	}
}

type countingFeed struct {
	inner Feed
	calls atomic.Int32
}

func (c *countingFeed) Prices(ctx context.Context, ids []string) (fill.PriceMap, error) {
	c.calls.Add(1)
	return c.inner.Prices(ctx, ids)
}

func TestCached_SharesSnapshotUntilExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	upstream := &countingFeed{inner: NewStatic(fill.PriceMap{"548213": d(0.7), "777001_0": d(0.2)})}
	c := NewCached(upstream, rdb, 2*time.Second, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		prices, err := c.Prices(ctx, []string{"548213_no"})
		if err != nil {
			t.Fatalf("prices: %v", err)
		}
		if !prices["548213_no"].Equal(d(0.3)) {
			t.Errorf("expected derived NO price 0.30, got %v", prices)
		}
	}
	if n := upstream.calls.Load(); n != 1 {
		t.Errorf("expected one upstream fetch, got %d", n)
	}

	mr.FastForward(3 * time.Second)
	c.Prices(ctx, nil)
	if n := upstream.calls.Load(); n != 2 {
		t.Errorf("expected a refetch after expiry, got %d fetches", n)
	}
}

func TestCached_RedisDownFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	c := NewCached(NewStatic(fill.PriceMap{"548213": d(0.7)}), rdb, time.Second, nil)
	prices, err := c.Prices(context.Background(), []string{"548213"})
	if err != nil {
		t.Fatalf("expected upstream prices despite redis outage, got %v", err)
	}
	if !prices["548213"].Equal(d(0.7)) {
		t.Errorf("unexpected prices: %v", prices)
	}
}
