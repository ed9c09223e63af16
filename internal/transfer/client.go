// Package transfer предоставляет клиент внешнего платёжного шлюза,
// через который исполняются выплаты продавцам.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// Статусы перевода, возвращаемые шлюзом.
const (
	StatusCompleted = "COMPLETED"
	StatusRejected  = "REJECTED"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// Request описывает запрос на перевод чистой выручки продавцу.
type Request struct {
	SellerOrderID  string `json:"seller_order_id"`
	SellerID       int64  `json:"seller_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Result описывает ответ шлюза по одному переводу.
type Result struct {
	TransferRef string `json:"transfer_ref"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// NewClient создаёт HTTP-клиент платёжного шлюза по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	// 429 не повторяется внутри клиента: паузу по Retry-After выдерживает
	// вызывающая сторона.
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// IdempotencyKey детерминированно выводит ключ идемпотентности перевода из
// идентификатора заказа продавца: повторные запросы на одну выплату не
// создают второй перевод на стороне шлюза.
func IdempotencyKey(sellerOrderID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("stocklot-payout:"+sellerOrderID)).String()
}

// SubmitTransfer отправляет запрос на перевод и возвращает результат,
// HTTP-статус и предписанную шлюзом паузу при ограничении частоты запросов.
func (c *Client) SubmitTransfer(ctx context.Context, req Request) (*Result, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("transfer client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = IdempotencyKey(req.SellerOrderID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
