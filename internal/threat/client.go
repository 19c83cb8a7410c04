// Package threat запрашивает оценки риска хранилища у внешнего сервиса мониторинга.
// Оценки входят в формулу уверенности рекомендации по экстренному доступу.
package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vaultguard/internal/logger"
)

// Client вызывает сервис мониторинга угроз. Если URL пустой — риски нулевые.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. baseURL пустой — мониторинг отключён.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// scoreResponse — оценки по каналам угроз, каждая в диапазоне [0, 1].
type scoreResponse struct {
	GeoRisk    float64 `json:"geo_risk"`
	TagRisk    float64 `json:"tag_risk"`
	AccessRisk float64 `json:"access_risk"`
}

// Score возвращает оценки гео-аномалий, скомпрометированных меток и
// подозрительных попыток доступа для хранилища. Недоступность сервиса
// не блокирует арбитраж: возвращаются нулевые риски.
func (c *Client) Score(ctx context.Context, vaultID string) (geo, tag, access float64, err error) {
	if c.baseURL == "" {
		return 0, 0, 0, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/threats/"+vaultID, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("threat score request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Errorf("threat score: %v", err)
		return 0, 0, 0, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Errorf("threat score: %d", resp.StatusCode)
		return 0, 0, 0, nil
	}
	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, 0, 0, fmt.Errorf("threat score decode: %w", err)
	}
	return sr.GeoRisk, sr.TagRisk, sr.AccessRisk, nil
}
