package imagecache

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// KeyFor 将资源 URL 映射到稳定的缓存键：取路径最后一段、剥离扩展名、
// 追加固定的落盘扩展名。相同 URL 永远得到相同键；不同 URL 剥离扩展名后
// 的同名冲突（如 https://x/a.png 与 https://y/a.jpg）按同一条目处理，
// 这是接受的歧义，不做纠正。
func KeyFor(rawURL, ext string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidIdentifier, rawURL)
	}

	base := path.Base(parsed.Path)
	if base == "/" || base == "." || base == ".." {
		base = "index"
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == ".." {
		base = "index"
	}

	return base + ext, nil
}
