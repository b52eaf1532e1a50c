// Package feerate fetches the current on-chain CET fee rate, the same
// resty-with-retry client shape as internal/oracle and the teacher's
// internal/exchange.Client.
package feerate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/10101-finance/coordinator-engine/internal/coorderrs"
)

// Client is the fee-rate HTTP client.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// New builds a Client.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &Client{http: http, logger: logger.With("component", "feerate")}
}

type feeResponse struct {
	SatPerVByte int64 `json:"sat_per_vbyte"`
}

// CurrentFeeRate fetches the fee rate to use for the next CET.
func (c *Client) CurrentFeeRate(ctx context.Context) (int64, error) {
	var result feeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fee-estimates")
	if err != nil {
		return 0, &coorderrs.FeeRateUnavailable{Cause: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, &coorderrs.FeeRateUnavailable{Cause: fmt.Errorf("fee rate: status %d: %s", resp.StatusCode(), resp.String())}
	}
	if result.SatPerVByte <= 0 {
		return 0, &coorderrs.FeeRateUnavailable{Cause: fmt.Errorf("fee rate: non-positive rate %d", result.SatPerVByte)}
	}
	return result.SatPerVByte, nil
}
