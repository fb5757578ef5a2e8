package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/img-hub/img-hub/internal/config"
)

func newTestFetcher(t *testing.T, cfg *config.Config) *HTTPFetcher {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewHTTPFetcher(cfg, nil, logger)
}

func fastRetryConfig(sources ...config.SourceConfig) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			MaxRetries:     2,
			InitialBackoff: config.Duration(time.Millisecond),
			MaxFetchBytes:  1024,
		},
		Sources: sources,
	}
}

func TestFetchReturnsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("raw-bytes"))
	}))
	defer upstream.Close()

	f := newTestFetcher(t, fastRetryConfig())
	body, err := f.Fetch(context.Background(), upstream.URL+"/img/a.png")
	if err != nil {
		t.Fatalf("fetch 不应失败: %v", err)
	}
	if string(body) != "raw-bytes" {
		t.Fatalf("返回正文不匹配: %s", string(body))
	}
}

func TestFetchRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("eventually"))
	}))
	defer upstream.Close()

	f := newTestFetcher(t, fastRetryConfig())
	body, err := f.Fetch(context.Background(), upstream.URL+"/img/b.png")
	if err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if string(body) != "eventually" {
		t.Fatalf("返回正文不匹配: %s", string(body))
	}
	if calls.Load() != 3 {
		t.Fatalf("期望 3 次上游调用，得到 %d", calls.Load())
	}
}

func TestFetchDoesNotRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	f := newTestFetcher(t, fastRetryConfig())
	if _, err := f.Fetch(context.Background(), upstream.URL+"/img/c.png"); err == nil {
		t.Fatalf("404 应当失败")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx 不应重试，得到 %d 次调用", calls.Load())
	}
}

func TestFetchRejectsDisallowedSource(t *testing.T) {
	f := newTestFetcher(t, fastRetryConfig(config.SourceConfig{Host: "cdn.example.com"}))
	_, err := f.Fetch(context.Background(), "https://evil.example.org/a.png")
	if !errors.Is(err, ErrSourceNotAllowed) {
		t.Fatalf("白名单外来源应返回 ErrSourceNotAllowed，得到 %v", err)
	}
}

func TestFetchMatchesWildcardSource(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	parsed, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("解析测试地址失败: %v", err)
	}

	// httptest 监听 127.0.0.1，精确匹配其 hostname 验证白名单放行路径。
	f := newTestFetcher(t, fastRetryConfig(config.SourceConfig{Host: parsed.Hostname()}))
	if _, err := f.Fetch(context.Background(), upstream.URL+"/img/d.png"); err != nil {
		t.Fatalf("白名单内来源不应失败: %v", err)
	}

	if !matchHost("*.images.example.net", "eu.images.example.net") {
		t.Fatalf("通配模式应匹配子域名")
	}
	if matchHost("*.images.example.net", "images.example.net") {
		t.Fatalf("通配模式不应匹配根域名")
	}
}

func TestFetchAttachesAuthHeader(t *testing.T) {
	var gotHeader atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	parsed, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("解析测试地址失败: %v", err)
	}

	f := newTestFetcher(t, fastRetryConfig(config.SourceConfig{
		Host:       parsed.Hostname(),
		AuthHeader: "Authorization",
		AuthToken:  "Bearer token-1",
	}))
	if _, err := f.Fetch(context.Background(), upstream.URL+"/img/e.png"); err != nil {
		t.Fatalf("fetch 不应失败: %v", err)
	}
	if gotHeader.Load() != "Bearer token-1" {
		t.Fatalf("认证头未注入，得到 %v", gotHeader.Load())
	}
}

func TestFetchEnforcesBodyCap(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer upstream.Close()

	f := newTestFetcher(t, fastRetryConfig())
	_, err := f.Fetch(context.Background(), upstream.URL+"/img/f.png")
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("超出体积上限应失败，得到 %v", err)
	}
}

func TestFetchRejectsBadScheme(t *testing.T) {
	f := newTestFetcher(t, fastRetryConfig())
	if _, err := f.Fetch(context.Background(), "ftp://cdn.example.com/a.png"); err == nil {
		t.Fatalf("非 http(s) scheme 应失败")
	}
}
