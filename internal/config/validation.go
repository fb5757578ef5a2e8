package config

import (
	"errors"
	"strings"
)

var supportedFormats = map[string]struct{}{
	"png":  {},
	"jpeg": {},
}

const supportedFormatList = "png|jpeg"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := &c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxFetchBytes <= 0 {
		return newFieldError("Global.MaxFetchBytes", "必须大于 0")
	}
	if g.MaxWidth <= 0 || g.MaxHeight <= 0 {
		return newFieldError("Global.MaxWidth/MaxHeight", "必须大于 0")
	}

	normalizedFormat := strings.ToLower(strings.TrimSpace(g.Format))
	if _, ok := supportedFormats[normalizedFormat]; !ok {
		return newFieldError("Global.Format", "仅支持 "+supportedFormatList)
	}
	g.Format = normalizedFormat

	if g.JPEGQuality < 1 || g.JPEGQuality > 100 {
		return newFieldError("Global.JPEGQuality", "必须在 1-100")
	}

	seenHosts := map[string]struct{}{}
	for i := range c.Sources {
		source := &c.Sources[i]
		if err := validateSourceHost(source.Host); err != nil {
			return err
		}
		normalized := strings.ToLower(strings.TrimSpace(source.Host))
		if _, exists := seenHosts[normalized]; exists {
			return newFieldError(sourceField(source.Host, "Host"), "重复")
		}
		seenHosts[normalized] = struct{}{}
		source.Host = normalized

		if (source.AuthHeader == "") != (source.AuthToken == "") {
			return newFieldError(sourceField(source.Host, "AuthHeader/AuthToken"), "必须同时提供或同时留空")
		}
	}

	return nil
}

func validateSourceHost(host string) error {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return newFieldError(sourceField("", "Host"), "不能为空")
	}
	if strings.Contains(trimmed, "/") {
		return newFieldError(sourceField(host, "Host"), "不允许包含路径")
	}
	if strings.Contains(trimmed, " ") {
		return newFieldError(sourceField(host, "Host"), "不允许包含空格")
	}
	if strings.HasPrefix(trimmed, "http") {
		return newFieldError(sourceField(host, "Host"), "不应包含协议头")
	}
	if strings.HasPrefix(trimmed, "*.") && strings.Count(trimmed, "*") != 1 {
		return newFieldError(sourceField(host, "Host"), "通配符仅支持 *.domain 前缀")
	}
	return nil
}

// StorageExtension 根据输出格式返回落盘文件的固定扩展名。
func (g GlobalConfig) StorageExtension() string {
	if g.Format == "jpeg" {
		return ".jpg"
	}
	return ".png"
}
