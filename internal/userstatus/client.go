// Package userstatus предоставляет клиент для внешнего сервиса статусов пользователей.
package userstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом статусов пользователей.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// Status описывает ответ сервиса по одному пользователю.
type Status struct {
	UserID  int64  `json:"user_id"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису статусов по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// IsBlocked запрашивает, заблокирован ли пользователь во внешнем сервисе.
// Отсутствие записи о пользователе трактуется как отсутствие блокировки.
func (c *Client) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	if c == nil || c.baseURL == "" {
		return false, fmt.Errorf("user status client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/users/%d/status", base, userID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Status
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	return result.Blocked, nil
}
