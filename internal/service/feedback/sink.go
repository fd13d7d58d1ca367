// Package feedback 把用户对消息的反应投递到遥测端点，尽力而为，不重试。
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
)

// Config 控制反馈投递。
type Config struct {
	URL     string
	Rate    float64 // 每秒允许的投递次数
	Burst   int
	Timeout time.Duration
}

// Sink 异步投递反应事件，失败只记录日志。
type Sink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewSink 创建投递器。URL 为空时 Send 只记录日志。client 为 nil 时使用 http.DefaultClient。
func NewSink(cfg Config, client *http.Client) *Sink {
	if client == nil {
		client = http.DefaultClient
	}
	r := cfg.Rate
	if r <= 0 {
		r = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		url:     cfg.URL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(r), burst),
		timeout: timeout,
	}
}

type payload struct {
	MessageID string    `json:"messageId"`
	Reaction  string    `json:"reaction"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// Send 立即返回；投递在后台进行。超出速率的事件会被丢弃并记录。
func (s *Sink) Send(reaction chat.Reaction) {
	if s == nil {
		return
	}
	if s.url == "" {
		log.Printf("[feedback] no sink configured, reaction %q on message %s", reaction.Reaction, reaction.MessageID)
		return
	}
	if !s.limiter.Allow() {
		log.Printf("[feedback] rate limited, drop reaction on message %s", reaction.MessageID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.post(reaction); err != nil {
			log.Printf("[feedback] deliver reaction on message %s failed: %v", reaction.MessageID, err)
		}
	}()
}

func (s *Sink) post(reaction chat.Reaction) error {
	body, err := json.Marshal(payload{
		MessageID: reaction.MessageID,
		Reaction:  reaction.Reaction,
		SessionID: reaction.SessionID,
		Timestamp: reaction.CreatedAt,
	})
	if err != nil {
		return err
	}

	// 与调用方的上下文解耦：反应在请求结束后依然要发出去。
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Wait 等待所有在途投递结束，用于关停。
func (s *Sink) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}
