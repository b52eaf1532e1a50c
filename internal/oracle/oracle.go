// Package oracle implements the HTTP client for the price oracle's
// announcement/attestation endpoints (spec §6), following the teacher's
// resty-with-retry client shape (internal/exchange.Client) rather than a
// bare net/http client.
package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-resty/resty/v2"

	"github.com/10101-finance/coordinator-engine/internal/collaborator"
	"github.com/10101-finance/coordinator-engine/internal/coorderrs"
)

// Client is the oracle HTTP client (C6/C7 external dependency).
type Client struct {
	http      *resty.Client
	publicKey []byte // compressed secp256k1 pubkey, or the configured string's raw bytes if it does not parse
	logger    *slog.Logger
}

// New builds a Client, retrying 5xx responses up to 3 times the same way
// the teacher's exchange.Client does. publicKey is the oracle's
// hex-encoded secp256k1 public key; it is parsed up front. A key that is
// not a valid secp256k1 point is logged as a warning and its raw bytes
// are used as-is; construction does not fail.
func New(baseURL, publicKey string, timeout time.Duration, logger *slog.Logger) *Client {
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

	var compressed []byte
	if raw, err := hex.DecodeString(publicKey); err == nil {
		if pub, err := btcec.ParsePubKey(raw); err == nil {
			compressed = pub.SerializeCompressed()
		}
	}
	if compressed == nil {
		logger.Warn("oracle public key is not a valid secp256k1 point, using raw bytes as-is", "public_key", publicKey)
		compressed = []byte(publicKey)
	}

	return &Client{http: http, publicKey: compressed, logger: logger.With("component", "oracle")}
}

type announcementResponse struct {
	OracleEvent struct {
		EventID     string `json:"eventId"`
		OracleEvent struct {
			EventMaturityEpoch int64 `json:"eventMaturityEpoch"`
			EventDescriptor    struct {
				DigitDecompositionEvent struct {
					NbDigits int `json:"nbDigits"`
				} `json:"digitDecompositionEvent"`
			} `json:"eventDescriptor"`
		} `json:"oracleEvent"`
	} `json:"announcement"`
}

// AnnouncementFor fetches the oracle's signed announcement for an event.
func (c *Client) AnnouncementFor(ctx context.Context, eventID string) (*collaborator.OracleAnnouncement, error) {
	var result announcementResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/oracle/announcements/" + eventID)
	if err != nil {
		return nil, &coorderrs.OracleUnavailable{Cause: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &coorderrs.OracleUnavailable{Cause: fmt.Errorf("announcement_for: status %d: %s", resp.StatusCode(), resp.String())}
	}
	return &collaborator.OracleAnnouncement{
		PublicKey: c.publicKey,
		EventID:   result.OracleEvent.EventID,
		Maturity:  result.OracleEvent.OracleEvent.EventMaturityEpoch,
		Digits:    result.OracleEvent.OracleEvent.EventDescriptor.DigitDecompositionEvent.NbDigits,
	}, nil
}

type attestationResponse struct {
	EventID string   `json:"eventId"`
	Values  []string `json:"values"`
}

// AttestationFor fetches the oracle's signed outcome for a matured event.
func (c *Client) AttestationFor(ctx context.Context, eventID string) (*collaborator.OracleAttestation, error) {
	var result attestationResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/oracle/attestations/" + eventID)
	if err != nil {
		return nil, &coorderrs.OracleUnavailable{Cause: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &coorderrs.OracleUnavailable{Cause: fmt.Errorf("attestation_for: status %d: %s", resp.StatusCode(), resp.String())}
	}
	outcome := ""
	for _, v := range result.Values {
		outcome += v
	}
	return &collaborator.OracleAttestation{EventID: result.EventID, Outcome: outcome}, nil
}
