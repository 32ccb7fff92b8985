// Package registry keeps the coordinator's charging point table aligned
// with the office registry service. The registry is the source of truth
// for which charging points exist; it says nothing about their live state,
// so reconciliation only inserts and removes, never touches sessions on
// CPs both sides agree on.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evgrid/central/internal/central"
)

// flexFloat tolerates numbers serialized either bare or as strings. The
// registry stores coordinates as strings and prices as numbers; both
// arrive here.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// listing is the registry's /list response body.
type listing struct {
	ChargingPoints []struct {
		CPID        string    `json:"cp_id"`
		Latitude    flexFloat `json:"latitude"`
		Longitude   flexFloat `json:"longitude"`
		PricePerKWh flexFloat `json:"price_per_kwh"`
	} `json:"charging_points"`
}

// Client fetches the charging point listing from the registry service.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client for the registry at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// List returns every charging point the registry knows. Rows without a CP
// id are skipped.
func (c *Client) List(ctx context.Context) ([]central.CPSeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fmt.Errorf("registry list: unexpected status %s", resp.Status)
	}

	var body listing
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("registry list: decode: %w", err)
	}
	seeds := make([]central.CPSeed, 0, len(body.ChargingPoints))
	for _, cp := range body.ChargingPoints {
		if cp.CPID == "" {
			continue
		}
		seeds = append(seeds, central.CPSeed{
			ID:          cp.CPID,
			Latitude:    float64(cp.Latitude),
			Longitude:   float64(cp.Longitude),
			PricePerKWh: float64(cp.PricePerKWh),
		})
	}
	return seeds, nil
}
