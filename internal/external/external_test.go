package external_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/kjannette/crypto-pipeline/internal/external"
	"github.com/kjannette/crypto-pipeline/internal/httputil"
)

func init() {
	_ = godotenv.Load("../../.env")
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

const historyBody = `{"id":"bitcoin","symbol":"btc","market_data":{"current_price":{"usd":42123.456789,"eur":39000.1}}}`

func TestGetCoinHistory_RequestShape(t *testing.T) {
	var gotPath, gotDate, gotKey, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDate = r.URL.Query().Get("date")
		gotKey = r.Header.Get("x-cg-demo-api-key")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(historyBody))
	}))
	defer srv.Close()

	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})

	raw, err := client.GetCoinHistory(context.Background(), "bitcoin", "15-01-2024")
	if err != nil {
		t.Fatalf("GetCoinHistory: %v", err)
	}
	if string(raw) != historyBody {
		t.Fatalf("payload not returned verbatim: %s", raw)
	}
	if gotPath != "/coins/bitcoin/history" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotDate != "15-01-2024" {
		t.Fatalf("unexpected date param %q", gotDate)
	}
	if gotKey != "test-key" {
		t.Fatalf("api key header not sent, got %q", gotKey)
	}
	if gotAccept != "application/json" {
		t.Fatalf("unexpected Accept %q", gotAccept)
	}
}

func TestGetCoinHistory_RejectsISODate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{BaseURL: srv.URL})
	if _, err := client.GetCoinHistory(context.Background(), "bitcoin", "2024-01-15"); err == nil {
		t.Fatal("expected error for ISO date")
	}
	if calls.Load() != 0 {
		t.Fatalf("no request expected, got %d", calls.Load())
	}
}

func TestGetCoinHistory_ProKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-cg-pro-api-key")
		w.Write([]byte(historyBody))
	}))
	defer srv.Close()

	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{
		BaseURL:      srv.URL,
		APIKey:       "pro-key",
		APIKeyHeader: "x-cg-pro-api-key",
	})
	if _, err := client.GetCoinHistory(context.Background(), "ethereum", "01-02-2024"); err != nil {
		t.Fatalf("GetCoinHistory: %v", err)
	}
	if gotKey != "pro-key" {
		t.Fatalf("expected pro header, got %q", gotKey)
	}
}

func TestGetCoinHistory_RateLimitedThenOK(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(historyBody))
	}))
	defer srv.Close()

	var slept time.Duration
	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{
		BaseURL: srv.URL,
		Retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			Sleep: func(ctx context.Context, d time.Duration) error {
				slept += d
				return nil
			},
		},
	})

	if _, err := client.GetCoinHistory(context.Background(), "bitcoin", "15-01-2024"); err != nil {
		t.Fatalf("GetCoinHistory: %v", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected 4 calls, got %d", calls.Load())
	}
	if slept != 3*time.Second {
		t.Fatalf("expected 3s of waits, got %s", slept)
	}
}

func TestGetCoinHistory_PermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{
		BaseURL: srv.URL,
		Retry:   httputil.RetryConfig{Sleep: noSleep},
	})

	_, err := client.GetCoinHistory(context.Background(), "bitcoin", "15-01-2024")
	if !errors.Is(err, httputil.ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestNewCoinGeckoClient_KeepsPartialRetrySettings(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte(historyBody))
		}
	}))
	defer srv.Close()

	var sleeps []time.Duration
	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{
		BaseURL: srv.URL,
		Retry: httputil.RetryConfig{
			BaseDelay:      500 * time.Millisecond,
			RateLimitDelay: 5 * time.Second,
			Sleep: func(ctx context.Context, d time.Duration) error {
				sleeps = append(sleeps, d)
				return nil
			},
		},
	})

	if _, err := client.GetCoinHistory(context.Background(), "bitcoin", "15-01-2024"); err != nil {
		t.Fatalf("GetCoinHistory: %v", err)
	}
	want := []time.Duration{5 * time.Second, 500 * time.Millisecond}
	if len(sleeps) != len(want) || sleeps[0] != want[0] || sleeps[1] != want[1] {
		t.Fatalf("expected sleeps %v, got %v", want, sleeps)
	}
}

func TestGetCoinHistory_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{BaseURL: srv.URL})
	_, err := client.GetCoinHistory(context.Background(), "bitcoin", "15-01-2024")
	if !errors.Is(err, external.ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestGetCoinList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/list" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"id":"bitcoin","symbol":"btc","name":"Bitcoin"},{"id":"cardano","symbol":"ada","name":"Cardano"}]`))
	}))
	defer srv.Close()

	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{BaseURL: srv.URL})
	coins, err := client.GetCoinList(context.Background())
	if err != nil {
		t.Fatalf("GetCoinList: %v", err)
	}
	if len(coins) != 2 || coins[1].ID != "cardano" || coins[1].Symbol != "ada" {
		t.Fatalf("unexpected coins %+v", coins)
	}
}

func TestFormatHistoryDate(t *testing.T) {
	d := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)
	if got := external.FormatHistoryDate(d); got != "05-03-2024" {
		t.Fatalf("FormatHistoryDate = %q", got)
	}
}

func TestExtractPriceUSD(t *testing.T) {
	p := external.ExtractPriceUSD([]byte(historyBody))
	if !p.Valid || p.Decimal.String() != "42123.456789" {
		t.Fatalf("unexpected price %+v", p)
	}

	if p := external.ExtractPriceUSD([]byte(`{"id":"newcoin"}`)); p.Valid {
		t.Fatalf("expected null price without market_data, got %s", p.Decimal)
	}
	if p := external.ExtractPriceUSD([]byte(`{"market_data":{"current_price":{"usd":null}}}`)); p.Valid {
		t.Fatal("expected null price for JSON null")
	}
}

func TestCoinGeckoLiveHistory(t *testing.T) {
	if os.Getenv("COINGECKO_LIVE_TEST") == "" {
		t.Skip("COINGECKO_LIVE_TEST not set, skipping")
	}

	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{
		APIKey: os.Getenv("COINGECKO_API_KEY"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	raw, err := client.GetCoinHistory(ctx, "bitcoin", "01-01-2024")
	if err != nil {
		t.Fatalf("GetCoinHistory: %v", err)
	}
	price := external.ExtractPriceUSD(raw)
	if !price.Valid || !price.Decimal.IsPositive() {
		t.Fatalf("expected positive price, got %+v", price)
	}
	t.Logf("BTC on 2024-01-01: $%s", price.Decimal.StringFixed(2))
}
