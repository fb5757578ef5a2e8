package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/img-hub/img-hub/internal/config"
)

// Fetcher 描述抓取器对外的最小契约：给定 URL，返回原始字节或失败。
// 重试与超时策略都属于实现内部，不外溢到调用方。
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// ErrSourceNotAllowed 表示目标主机不在配置的来源白名单内。
var ErrSourceNotAllowed = errors.New("source host not allowed")

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewClient 返回共享 http.Client，用于所有上游请求。
func NewClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// HTTPFetcher 基于共享 http.Client 实现 Fetcher，内部负责白名单校验、
// 静态认证头注入、响应体积上限与指数退避重试。
type HTTPFetcher struct {
	client   *http.Client
	logger   *logrus.Logger
	sources  []config.SourceConfig
	maxBytes int64
	retries  int
	backoff  time.Duration
}

// NewHTTPFetcher 根据全局配置构建抓取器；client 为空时自动创建共享实例。
func NewHTTPFetcher(cfg *config.Config, client *http.Client, logger *logrus.Logger) *HTTPFetcher {
	if client == nil {
		client = NewClient(cfg)
	}
	f := &HTTPFetcher{
		client:   client,
		logger:   logger,
		maxBytes: 32 * 1024 * 1024,
		retries:  3,
		backoff:  time.Second,
	}
	if cfg != nil {
		f.sources = cfg.Sources
		if cfg.Global.MaxFetchBytes > 0 {
			f.maxBytes = cfg.Global.MaxFetchBytes
		}
		if cfg.Global.MaxRetries >= 0 {
			f.retries = cfg.Global.MaxRetries
		}
		if cfg.Global.InitialBackoff.DurationValue() > 0 {
			f.backoff = cfg.Global.InitialBackoff.DurationValue()
		}
	}
	return f
}

// Fetch 抓取目标 URL 的原始字节。5xx 与网络错误按退避重试，4xx 直接失败。
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("upstream url %q missing host", rawURL)
	}

	source, allowed := f.resolveSource(parsed.Hostname())
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotAllowed, parsed.Hostname())
	}

	var lastErr error
	backoff := f.backoff
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, retryable, err := f.fetchOnce(ctx, rawURL, source)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		if f.logger != nil {
			f.logger.WithFields(logrus.Fields{
				"action":  "fetch_retry",
				"url":     rawURL,
				"attempt": attempt + 1,
			}).Warn(err.Error())
		}
	}
	return nil, lastErr
}

// fetchOnce 执行一次抓取，第二个返回值指示失败是否值得重试。
func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string, source *config.SourceConfig) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, err
	}
	if source != nil && source.AuthHeader != "" {
		req.Header.Set(source.AuthHeader, source.AuthToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
		return nil, true, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, f.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, true, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, false, fmt.Errorf("upstream body exceeds %d bytes", f.maxBytes)
	}
	return body, false, nil
}

// resolveSource 在白名单中查找目标主机；白名单为空时放行所有来源。
func (f *HTTPFetcher) resolveSource(host string) (*config.SourceConfig, bool) {
	if len(f.sources) == 0 {
		return nil, true
	}
	normalized := strings.ToLower(host)
	for i := range f.sources {
		if matchHost(f.sources[i].Host, normalized) {
			return &f.sources[i], true
		}
	}
	return nil, false
}

func matchHost(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return false
}
