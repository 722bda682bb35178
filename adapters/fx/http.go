// Package fx provides exchange-rate source implementations.
package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/ports"
)

// HTTP fetches spot rates from a JSON rate API.
//
// Expected response shape (open.er-api.com compatible):
//
//	GET {baseURL}/{BASE}
//	{"base_code": "USD", "rates": {"TRY": 32.5, "EUR": 0.92}}
type HTTP struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTP creates an HTTP rate source.
func NewHTTP(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "fx").Logger(),
	}
}

// Rate fetches the spot rate for base->quote.
func (s *HTTP) Rate(ctx context.Context, base, quote string) (float64, error) {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if base == quote {
		return 1.0, nil
	}

	url := fmt.Sprintf("%s/%s", s.baseURL, base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("fx request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fx fetch %s/%s: %w", base, quote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fx fetch %s/%s: status %d", base, quote, resp.StatusCode)
	}

	var body struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("fx decode: %w", err)
	}

	rate, ok := body.Rates[quote]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("fx fetch %s/%s: quote not in response", base, quote)
	}

	s.logger.Debug().Str("base", base).Str("quote", quote).Float64("rate", rate).Msg("fetched fx rate")
	return rate, nil
}

// Static serves pinned rates from configuration. Useful for air-gapped
// deployments and tests.
type Static struct {
	rates map[string]float64
}

// NewStatic creates a static rate source from "BASE:QUOTE" keyed rates.
func NewStatic(rates map[string]float64) *Static {
	normalized := make(map[string]float64, len(rates))
	for k, v := range rates {
		normalized[strings.ToUpper(k)] = v
	}
	return &Static{rates: normalized}
}

// Rate returns the pinned rate for base->quote.
func (s *Static) Rate(ctx context.Context, base, quote string) (float64, error) {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if base == quote {
		return 1.0, nil
	}
	if r, ok := s.rates[base+":"+quote]; ok {
		return r, nil
	}
	if r, ok := s.rates[quote+":"+base]; ok && r > 0 {
		return 1 / r, nil
	}
	return 0, fmt.Errorf("no pinned rate for %s/%s", base, quote)
}

var (
	_ ports.RateSource = (*HTTP)(nil)
	_ ports.RateSource = (*Static)(nil)
)
