// Package ledger is the HTTP client for the external settlement ledger.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type settlementRequest struct {
	Venue         string   `json:"venue"`
	Buyers        []string `json:"buyers"`
	Sellers       []string `json:"sellers"`
	BuyerAmounts  []int64  `json:"buyer_amounts"`
	SellerAmounts []int64  `json:"seller_amounts"`
}

type settlementResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Client implements settle.Ledger against the ledger's REST endpoint.
// The ledger guarantees atomicity per call; the client only maps transport
// and application failures onto errors.
type Client struct {
	http *resty.Client
	log  *zap.SugaredLogger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c, log: log}
}

func (c *Client) RecordSettlement(ctx context.Context, venue string, buyers, sellers []string, buyerAmounts, sellerAmounts []int64) error {
	req := settlementRequest{
		Venue:         venue,
		Buyers:        buyers,
		Sellers:       sellers,
		BuyerAmounts:  buyerAmounts,
		SellerAmounts: sellerAmounts,
	}
	var out settlementResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/settlements")
	if err != nil {
		return fmt.Errorf("ledger request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("ledger returned %s: %s", resp.Status(), resp.String())
	}
	if out.Status != "ok" {
		return fmt.Errorf("ledger rejected settlement: %s", out.Error)
	}
	if c.log != nil {
		c.log.Debugw("ledger_settlement_ok", "venue", venue)
	}
	return nil
}
