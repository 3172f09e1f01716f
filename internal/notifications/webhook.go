package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/httputil"
	"github.com/kjannette/crypto-pipeline/internal/ingest"
	"github.com/kjannette/crypto-pipeline/internal/logging"
	"github.com/kjannette/crypto-pipeline/internal/models"
)

const maxListedFailures = 5

type Sender struct {
	webhookURL string
	botName    string
	httpClient *http.Client
	retry      httputil.RetryConfig
	log        *zap.Logger
}

func NewSender(webhookURL, botName string, log *zap.Logger) *Sender {
	if botName == "" {
		botName = "CryptoPipeline"
	}
	log = logging.OrNop(log)
	return &Sender{
		webhookURL: webhookURL,
		botName:    botName,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
			SkipMetrics: true,
			Logger:      log,
		},
		log: log,
	}
}

// Send logs msg and posts it to the webhook when one is configured. Delivery
// failures are logged, never returned.
func (s *Sender) Send(ctx context.Context, msg string) {
	formatted := fmt.Sprintf("[%s] %s", s.botName, msg)
	s.log.Info("notification", zap.String("message", formatted))

	if !s.Enabled() {
		return
	}

	body, err := json.Marshal(s.formatPayload(formatted))
	if err != nil {
		s.log.Error("marshal notification", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, s.httpClient, s.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		s.log.Warn("notification not delivered", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// NotifyRun reports a bulk run outcome.
func (s *Sender) NotifyRun(ctx context.Context, sum *ingest.Summary) {
	s.Send(ctx, FormatSummary(sum))
}

// NotifyDaily reports the outcome of a scheduled daily fetch.
func (s *Sender) NotifyDaily(ctx context.Context, day time.Time, sums []*ingest.Summary, runErr error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily fetch %s:", day.Format(models.DateLayout))
	if runErr != nil {
		fmt.Fprintf(&b, " error: %v", runErr)
	}
	for _, sum := range sums {
		fmt.Fprintf(&b, "\n  %s: %s", sum.AssetID, sum)
		for _, f := range sum.Failures() {
			fmt.Fprintf(&b, " (%v)", f.Err)
		}
	}
	s.Send(ctx, b.String())
}

// FormatSummary renders a run summary with up to five failure reasons.
func FormatSummary(sum *ingest.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processed %d out of %d dates for %s (%s, %s)",
		sum.Succeeded, sum.Total, sum.AssetID, sum.Mode, sum.Finished.Sub(sum.Started).Round(time.Second))
	if sum.Skipped > 0 {
		fmt.Fprintf(&b, ", %d skipped", sum.Skipped)
	}

	failures := sum.Failures()
	for i, f := range failures {
		if i == maxListedFailures {
			fmt.Fprintf(&b, "\n  ... and %d more", len(failures)-maxListedFailures)
			break
		}
		fmt.Fprintf(&b, "\n  %s: %v", f.Date.Format(models.DateLayout), f.Err)
	}
	return b.String()
}

func (s *Sender) formatPayload(msg string) map[string]string {
	if strings.Contains(s.webhookURL, "discord") {
		return map[string]string{
			"content":  msg,
			"username": s.botName,
		}
	}
	return map[string]string{
		"text":     fmt.Sprintf("`%s`", msg),
		"username": s.botName,
	}
}

func (s *Sender) Enabled() bool {
	return s.webhookURL != ""
}
