// Package archive keeps raw provider payloads on disk, one JSON file per
// coin and date, and replays them into the store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/external"
	"github.com/kjannette/crypto-pipeline/internal/logging"
	"github.com/kjannette/crypto-pipeline/internal/models"
)

var ErrNotFound = errors.New("archive entry not found")

// Layout: <base>/<coin>/<coin>_YYYY-MM-DD.json
type Archive struct {
	base string
	log  *zap.Logger
}

func New(base string, log *zap.Logger) *Archive {
	return &Archive{base: base, log: logging.OrNop(log)}
}

func (a *Archive) Dir() string { return a.base }

func (a *Archive) path(assetID string, date time.Time) string {
	name := fmt.Sprintf("%s_%s.json", assetID, date.Format(models.DateLayout))
	return filepath.Join(a.base, assetID, name)
}

// Save writes raw pretty-printed and returns the file path. The file is
// replaced atomically.
func (a *Archive) Save(assetID string, date time.Time, raw json.RawMessage) (string, error) {
	if assetID == "" || strings.ContainsAny(assetID, `/\`) || assetID == "." || assetID == ".." {
		return "", fmt.Errorf("archive: invalid asset id %q", assetID)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", fmt.Errorf("archive: payload is not JSON: %w", err)
	}
	buf.WriteByte('\n')

	p := a.path(assetID, date)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive close: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive rename: %w", err)
	}
	return p, nil
}

func (a *Archive) Load(assetID string, date time.Time) (json.RawMessage, error) {
	p := a.path(assetID, date)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("archive read: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("archive: %s is not valid JSON", p)
	}
	return json.RawMessage(bytes.TrimSpace(data)), nil
}

type Entry struct {
	AssetID string
	Date    time.Time
	Path    string
}

// Scan lists archived entries sorted by coin and date. Files that do not
// follow the naming layout are skipped.
func (a *Archive) Scan() ([]Entry, error) {
	coins, err := os.ReadDir(a.base)
	if err != nil {
		return nil, fmt.Errorf("archive scan: %w", err)
	}

	var out []Entry
	for _, c := range coins {
		if !c.IsDir() {
			continue
		}
		coin := c.Name()
		files, err := os.ReadDir(filepath.Join(a.base, coin))
		if err != nil {
			return nil, fmt.Errorf("archive scan %s: %w", coin, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			date, ok := parseName(coin, f.Name())
			if !ok {
				a.log.Debug("skipping unrecognised archive file", zap.String("file", f.Name()))
				continue
			}
			out = append(out, Entry{AssetID: coin, Date: date, Path: filepath.Join(a.base, coin, f.Name())})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

func parseName(coin, name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, coin+"_")
	if !ok {
		return time.Time{}, false
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return time.Time{}, false
	}
	d, err := time.Parse(models.DateLayout, rest)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

type Store interface {
	Upsert(ctx context.Context, assetID string, date time.Time, price decimal.NullDecimal, raw json.RawMessage) error
}

type ImportResult struct {
	Total  int
	Loaded int
	Failed int
}

// Import upserts every archived entry into store, optionally restricted to
// one coin. A failing entry is logged and counted; the import continues.
func (a *Archive) Import(ctx context.Context, store Store, coin string) (ImportResult, error) {
	var res ImportResult

	entries, err := a.Scan()
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		if coin != "" && e.AssetID != coin {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Total++

		raw, err := a.Load(e.AssetID, e.Date)
		if err != nil {
			res.Failed++
			a.log.Warn("archive entry unreadable", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		if err := store.Upsert(ctx, e.AssetID, e.Date, external.ExtractPriceUSD(raw), raw); err != nil {
			res.Failed++
			a.log.Warn("archive entry not stored", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		res.Loaded++
	}

	a.log.Info("archive import finished",
		zap.String("dir", a.base),
		zap.Int("total", res.Total),
		zap.Int("loaded", res.Loaded),
		zap.Int("failed", res.Failed))
	return res, nil
}
