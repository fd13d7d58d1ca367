package speech

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	speechmodel "github.com/zhouzirui/z-travel/backend/internal/model/speech"
)

// connector 负责建立到语音服务的 WebSocket 连接，握手阶段的网络抖动按线性退避重试。
type connector struct {
	dialer     *websocket.Dialer
	maxRetries int
	backoff    time.Duration
}

func newConnector(timeout time.Duration) *connector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &connector{
		dialer:     &websocket.Dialer{HandshakeTimeout: timeout},
		maxRetries: 3,
		backoff:    time.Second,
	}
}

func (c *connector) dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		conn, resp, err := c.dialer.DialContext(ctx, url, header)
		if err == nil {
			return conn, resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		// 鉴权失败等非网络错误重试无意义。
		if !apperr.IsTransient(err) {
			break
		}

		delay := time.Duration(attempt+1) * c.backoff
		log.Printf("[speech] dial %s failed (attempt %d): %v, retry in %s", url, attempt+1, err, delay)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, nil, fmt.Errorf("dial %s: %w", url, lastErr)
}

// credentials 返回规范化后的 AppID 与 AccessToken，缺失时给出明确错误。
func credentials(cfg *speechmodel.Config) (string, string, error) {
	if cfg == nil {
		return "", "", fmt.Errorf("speech config is not initialised")
	}

	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", fmt.Errorf("speech config is missing AppID or AccessToken")
	}
	return appID, token, nil
}
