package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	// 注册常见输入格式的解码器，输入格式与落盘格式彼此独立。
	_ "image/gif"

	"golang.org/x/image/draw"

	"github.com/img-hub/img-hub/internal/config"
)

// ImageTransformer 按配置的尺寸上限缩放图像，并统一转码为 png 或 jpeg。
type ImageTransformer struct {
	maxWidth    int
	maxHeight   int
	format      string
	jpegQuality int
}

// NewImageTransformer 根据全局配置构建图像变换器。
func NewImageTransformer(cfg config.GlobalConfig) *ImageTransformer {
	t := &ImageTransformer{
		maxWidth:    cfg.MaxWidth,
		maxHeight:   cfg.MaxHeight,
		format:      cfg.Format,
		jpegQuality: cfg.JPEGQuality,
	}
	if t.maxWidth <= 0 {
		t.maxWidth = 4096
	}
	if t.maxHeight <= 0 {
		t.maxHeight = 4096
	}
	if t.format == "" {
		t.format = "png"
	}
	if t.jpegQuality <= 0 || t.jpegQuality > 100 {
		t.jpegQuality = 85
	}
	return t
}

// Decode 解码原始字节并在超出尺寸上限时等比缩小。
func (t *ImageTransformer) Decode(ctx context.Context, data []byte) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image payload")
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img = t.downscale(img)
	bounds := img.Bounds()
	return &Artifact{
		Image:  img,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// Encode 将内存图像编码为配置的落盘格式。
func (t *ImageTransformer) Encode(ctx context.Context, artifact *Artifact) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if artifact == nil || artifact.Image == nil {
		return nil, errors.New("nil artifact")
	}

	var buf bytes.Buffer
	switch t.format {
	case "jpeg":
		if err := jpeg.Encode(&buf, artifact.Image, &jpeg.Options{Quality: t.jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		if err := png.Encode(&buf, artifact.Image); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// downscale 在任一边超限时等比缩小，永不放大。
func (t *ImageTransformer) downscale(img image.Image) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= t.maxWidth && height <= t.maxHeight {
		return img
	}

	scaleW := float64(t.maxWidth) / float64(width)
	scaleH := float64(t.maxHeight) / float64(height)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}

	newW := int(float64(width) * scale)
	newH := int(float64(height) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
