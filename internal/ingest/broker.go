package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/crypto"
	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// fetchPageSize is the maximum executions requested per page.
const fetchPageSize = 500

// BrokerClient is the REST client for the broker execution API. Every request
// carries HMAC authentication headers; outbound calls are throttled through
// the shared rate limiter so sync loops cannot trip the broker's limits.
type BrokerClient struct {
	baseURL    string
	auth       *crypto.HMACAuth
	limiter    domain.RateLimiter
	httpClient *http.Client
}

// NewBrokerClient creates a new broker REST client. limiter may be nil, in
// which case requests go out unthrottled.
func NewBrokerClient(baseURL string, auth *crypto.HMACAuth, limiter domain.RateLimiter) *BrokerClient {
	return &BrokerClient{
		baseURL: baseURL,
		auth:    auth,
		limiter: limiter,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// brokerExecution is the wire format of one execution. Quantities and prices
// arrive as strings to survive JSON number precision.
type brokerExecution struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   string `json:"quantity"`
	Price      string `json:"price"`
	Commission string `json:"commission"`
	ExecutedAt string `json:"executed_at"`
}

// FetchExecutions returns the executions recorded after since, paging until
// the broker reports no more rows.
func (c *BrokerClient) FetchExecutions(ctx context.Context, since time.Time) ([]domain.Execution, error) {
	var all []domain.Execution
	offset := 0

	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(fetchPageSize))
		params.Set("offset", strconv.Itoa(offset))
		if !since.IsZero() {
			params.Set("since", since.UTC().Format(time.RFC3339))
		}
		path := "/v1/executions?" + params.Encode()

		body, err := c.doSignedRequest(ctx, http.MethodGet, path)
		if err != nil {
			return nil, fmt.Errorf("ingest: fetch executions: %w", err)
		}

		var resp struct {
			Executions []brokerExecution `json:"executions"`
			HasMore    bool              `json:"has_more"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("ingest: decode executions: %w", err)
		}

		for _, be := range resp.Executions {
			exec, err := be.toDomain()
			if err != nil {
				return nil, fmt.Errorf("ingest: execution %s: %w", be.ID, err)
			}
			all = append(all, exec)
		}

		if !resp.HasMore || len(resp.Executions) == 0 {
			return all, nil
		}
		offset += len(resp.Executions)
	}
}

// Ping checks connectivity and credentials against the broker health endpoint.
func (c *BrokerClient) Ping(ctx context.Context) error {
	if _, err := c.doSignedRequest(ctx, http.MethodGet, "/v1/ping"); err != nil {
		return fmt.Errorf("ingest: broker ping: %w", err)
	}
	return nil
}

func (be brokerExecution) toDomain() (domain.Execution, error) {
	qty, err := decimal.NewFromString(be.Quantity)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("bad quantity %q", be.Quantity)
	}
	price, err := decimal.NewFromString(be.Price)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("bad price %q", be.Price)
	}
	commission := decimal.Zero
	if be.Commission != "" {
		commission, err = decimal.NewFromString(be.Commission)
		if err != nil {
			return domain.Execution{}, fmt.Errorf("bad commission %q", be.Commission)
		}
	}
	executedAt, err := time.Parse(time.RFC3339, be.ExecutedAt)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("bad timestamp %q", be.ExecutedAt)
	}

	return domain.Execution{
		Symbol:     be.Symbol,
		Side:       domain.Side(be.Side),
		Quantity:   qty,
		Price:      price,
		Commission: commission,
		ExecutedAt: executedAt.UTC(),
		ExternalID: be.ID,
	}, nil
}

// doSignedRequest throttles, builds, signs, sends, and reads an HTTP request
// against the broker API.
func (c *BrokerClient) doSignedRequest(ctx context.Context, method, path string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "broker"); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.auth.Headers(method, path, "") {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to appropriate errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s (%s)", domain.ErrUnauthorized, apiErr.Message, apiErr.Code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s (%s)", domain.ErrRateLimited, apiErr.Message, apiErr.Code)
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s (%s)", apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}
