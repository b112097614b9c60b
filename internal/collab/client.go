package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "vaultgate/internal/errors"
	"vaultgate/internal/retry"

	"github.com/sirupsen/logrus"
)

// maxResponseBytes 协作方响应体上限
const maxResponseBytes = 4 << 20

// client 协作方 JSON-over-HTTP 客户端
type client struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
	retrier    *retry.Retrier
	logger     *logrus.Logger
}

func newClient(name, baseURL, token string, timeout time.Duration, logger *logrus.Logger) *client {
	return &client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		retrier:    retry.NewRetrier(retry.RPCRetryConfig, logger),
		logger:     logger,
	}
}

// get 幂等读取，传输错误与 5xx 会重试
func (c *client) get(ctx context.Context, path string, out interface{}) error {
	return c.retrier.Execute(ctx, c.name+" GET "+path, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, out)
	})
}

// post 非幂等调用，不重试
func (c *client) post(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		se := apperrors.Wrap(err, apperrors.ErrorTypeCollaborator, apperrors.SeverityMedium,
			"COLLABORATOR_UNREACHABLE", c.name+" 请求失败").WithComponent(c.name).WithContext("path", path)
		se.Retryable = ctx.Err() == nil
		return se
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("读取 %s 响应失败: %w", c.name, err)
	}

	c.logger.WithFields(logrus.Fields{
		"collaborator": c.name,
		"method":       method,
		"path":         path,
		"status":       resp.StatusCode,
		"duration_ms":  time.Since(start).Milliseconds(),
	}).Debug("协作方请求完成")

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := apperrors.New(apperrors.ErrorTypeCollaborator, apperrors.SeverityMedium, "COLLABORATOR_ERROR",
			fmt.Sprintf("%s 返回 %d: %s", c.name, resp.StatusCode, truncate(string(data), 256))).
			WithComponent(c.name).WithContext("status", resp.StatusCode)
		se.Retryable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return se
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析 %s 响应失败: %w", c.name, err)
	}
	return nil
}

// ErrNotFound 协作方返回 404
var ErrNotFound = apperrors.New(apperrors.ErrorTypeCollaborator, apperrors.SeverityLow, "COLLABORATOR_NOT_FOUND", "资源不存在")

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
