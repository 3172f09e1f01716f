package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjannette/crypto-pipeline/internal/models"
	"github.com/kjannette/crypto-pipeline/internal/queries"
)

type fakeReader struct {
	pingErr   error
	snaps     []models.Snapshot
	snapErr   error
	aggs      []models.MonthlyAggregate
	records   []models.Record
	queryErr  error
	reg       *queries.Registry
	gotYear   *int
	gotMonth  *int
	gotFrom   time.Time
	gotTo     time.Time
	gotLimit  int
	gotParams map[string]any
}

func (f *fakeReader) Ping(context.Context) error { return f.pingErr }

func (f *fakeReader) GetMonthlyAggregates(_ context.Context, _ string, year, month *int) []models.MonthlyAggregate {
	f.gotYear, f.gotMonth = year, month
	return f.aggs
}

func (f *fakeReader) ListSnapshots(_ context.Context, _ string, from, to time.Time, _ bool, limit int) ([]models.Snapshot, error) {
	f.gotFrom, f.gotTo, f.gotLimit = from, to, limit
	if limit > 0 && len(f.snaps) > limit {
		return f.snaps[:limit], f.snapErr
	}
	return f.snaps, f.snapErr
}

func (f *fakeReader) GetSnapshot(_ context.Context, coin string, date time.Time) (*models.Snapshot, error) {
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	for i := range f.snaps {
		if f.snaps[i].AssetID == coin && f.snaps[i].AsOfDate.Equal(date) {
			return &f.snaps[i], nil
		}
	}
	return nil, nil
}

func (f *fakeReader) RunNamedQuery(_ context.Context, name string, params map[string]any) ([]models.Record, error) {
	f.gotParams = params
	q, err := f.reg.Get(name)
	if err != nil {
		return nil, err
	}
	if _, _, err := q.Bind(params); err != nil {
		return nil, err
	}
	return f.records, f.queryErr
}

func (f *fakeReader) Queries() *queries.Registry { return f.reg }

func newTestServer(t *testing.T, f *fakeReader) http.Handler {
	t.Helper()
	if f.reg == nil {
		reg, err := queries.Load("")
		require.NoError(t, err)
		f.reg = reg
	}
	return NewServer(f, ServerConfig{Port: 0, MetricsEnabled: true}).Handler()
}

func do(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func day(s string) time.Time {
	d, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestHealth(t *testing.T) {
	f := &fakeReader{}
	rr := do(t, newTestServer(t, f), "/health")
	require.Equal(t, http.StatusOK, rr.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "connected", body.Services.Database)

	f.pingErr = errors.New("down")
	rr = do(t, newTestServer(t, f), "/health")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "disconnected", body.Services.Database)
}

func TestMetricsEndpoint(t *testing.T) {
	rr := do(t, newTestServer(t, &fakeReader{}), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestAggregates(t *testing.T) {
	f := &fakeReader{aggs: []models.MonthlyAggregate{{
		AssetID:     "bitcoin",
		Year:        2024,
		Month:       3,
		MinPriceUSD: decimal.NewNullDecimal(decimal.NewFromInt(90)),
		MaxPriceUSD: decimal.NewNullDecimal(decimal.NewFromInt(150)),
	}}}
	h := newTestServer(t, f)

	rr := do(t, h, "/v1/coins/bitcoin/aggregates?year=2024&month=3")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, f.gotYear)
	require.NotNil(t, f.gotMonth)
	assert.Equal(t, 2024, *f.gotYear)
	assert.Equal(t, 3, *f.gotMonth)
	assert.Contains(t, rr.Body.String(), `"minPriceUsd":"90"`)
	assert.Contains(t, rr.Body.String(), `"maxPriceUsd":"150"`)

	rr = do(t, h, "/v1/coins/bitcoin/aggregates")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, f.gotYear)
	assert.Nil(t, f.gotMonth)

	rr = do(t, h, "/v1/coins/bitcoin/aggregates?month=13")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSnapshots(t *testing.T) {
	f := &fakeReader{snaps: []models.Snapshot{
		{AssetID: "bitcoin", AsOfDate: day("2024-03-01"), PriceUSD: decimal.NewNullDecimal(decimal.NewFromInt(100))},
		{AssetID: "bitcoin", AsOfDate: day("2024-03-02"), PriceUSD: decimal.NullDecimal{}},
		{AssetID: "bitcoin", AsOfDate: day("2024-03-03"), PriceUSD: decimal.NewNullDecimal(decimal.NewFromInt(120))},
	}}
	h := newTestServer(t, f)

	rr := do(t, h, "/v1/coins/bitcoin/snapshots?from=2024-03-01&to=2024-03-31&limit=2")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, f.gotFrom.Equal(day("2024-03-01")))
	assert.True(t, f.gotTo.Equal(day("2024-03-31")))
	assert.Equal(t, 2, f.gotLimit, "limit is pushed down to the store")

	var got []models.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.False(t, got[1].PriceUSD.Valid)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "/v1/coins/bitcoin/snapshots?from=03-01-2024").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/v1/coins/bitcoin/snapshots?from=2024-04-01&to=2024-03-01").Code)

	f.snapErr = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, "/v1/coins/bitcoin/snapshots").Code)
}

func TestSnapshotByDate(t *testing.T) {
	f := &fakeReader{snaps: []models.Snapshot{{
		AssetID:    "bitcoin",
		AsOfDate:   day("2024-03-01"),
		PriceUSD:   decimal.NewNullDecimal(decimal.RequireFromString("61234.5")),
		RawPayload: json.RawMessage(`{"id":"bitcoin"}`),
	}}}
	h := newTestServer(t, f)

	rr := do(t, h, "/v1/coins/bitcoin/snapshots/2024-03-01")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"responseData":{"id":"bitcoin"}`)

	assert.Equal(t, http.StatusNotFound, do(t, h, "/v1/coins/bitcoin/snapshots/2024-03-02").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/v1/coins/bitcoin/snapshots/01-03-2024").Code)
}

func TestListQueries(t *testing.T) {
	f := &fakeReader{}
	rr := do(t, newTestServer(t, f), "/v1/queries")
	require.Equal(t, http.StatusOK, rr.Code)

	var got []struct {
		Name   string   `json:"name"`
		Params []string `json:"params"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	names := make([]string, 0, len(got))
	for _, q := range got {
		names = append(names, q.Name)
	}
	assert.Contains(t, names, "price_history")
	assert.NotContains(t, rr.Body.String(), "SELECT")
}

func TestRunQuery(t *testing.T) {
	f := &fakeReader{records: []models.Record{{"coin_id": "bitcoin", "fetch_date": "2024-03-01"}}}
	h := newTestServer(t, f)

	rr := do(t, h, "/v1/queries/price_history?coin_id=bitcoin&from=2024-03-01&to=2024-03-31&ignored=x")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{"coin_id": "bitcoin", "from": "2024-03-01", "to": "2024-03-31"}, f.gotParams)
	assert.Contains(t, rr.Body.String(), `"fetch_date":"2024-03-01"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, "/v1/queries/nope").Code)

	rr = do(t, h, "/v1/queries/price_history?coin_id=bitcoin")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "from"), rr.Body.String())

	f.queryErr = fmt.Errorf("run: %w", errors.New("db gone"))
	assert.Equal(t, http.StatusInternalServerError, do(t, h, "/v1/queries/latest_prices").Code)
}
