package mock

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"arbengine/internal/models"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestFetchSnapshotIsDeterministicForASeed(t *testing.T) {
	a1 := New(models.VenueOKX, 42, testLog())
	a2 := New(models.VenueOKX, 42, testLog())

	key := models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueOKX, Instrument: models.InstrumentSpot}

	bids1, asks1, err := a1.FetchSnapshot(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bids2, asks2, err := a2.FetchSnapshot(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bids1) != len(bids2) || len(asks1) != len(asks2) {
		t.Fatal("expected identical seeds to produce identically sized books")
	}
	for i := range bids1 {
		if bids1[i] != bids2[i] {
			t.Fatalf("bid level %d differs between identically seeded adapters: %v vs %v", i, bids1[i], bids2[i])
		}
	}
	for i := range asks1 {
		if asks1[i] != asks2[i] {
			t.Fatalf("ask level %d differs between identically seeded adapters: %v vs %v", i, asks1[i], asks2[i])
		}
	}
}

func TestFetchSnapshotDifferentSeedsDiffer(t *testing.T) {
	a1 := New(models.VenueOKX, 1, testLog())
	a2 := New(models.VenueOKX, 2, testLog())

	key := models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueOKX, Instrument: models.InstrumentSpot}
	bids1, _, _ := a1.FetchSnapshot(key)
	bids2, _, _ := a2.FetchSnapshot(key)

	same := true
	for i := range bids1 {
		if bids1[i] != bids2[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected different seeds to produce different books")
	}
}

func TestFetchSnapshotBookSatisfiesBestBidBelowBestAsk(t *testing.T) {
	a := New(models.VenueOKX, 7, testLog())
	key := models.MarketDataKey{Symbol: "BTC-USDT", Venue: models.VenueOKX, Instrument: models.InstrumentSpot}

	bids, asks, err := a.FetchSnapshot(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bids) == 0 || len(asks) == 0 {
		t.Fatal("expected a non-empty seeded book on both sides")
	}
	if bids[0].Price >= asks[0].Price {
		t.Fatalf("expected best bid (%v) below best ask (%v)", bids[0].Price, asks[0].Price)
	}
}

func TestSubscribeOrderBookRecordsSubscription(t *testing.T) {
	a := New(models.VenueOKX, 1, testLog())
	if err := a.SubscribeOrderBook("BTC-USDT", models.InstrumentSpot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subs := a.conn.Subscriptions(); len(subs) != 1 || subs[0].Kind != "orderbook" {
		t.Fatalf("expected one recorded orderbook subscription, got %v", subs)
	}
	if err := a.UnsubscribeOrderBook("BTC-USDT", models.InstrumentSpot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
