package transform

import (
	"context"
	"image"
)

// Artifact 表示一张已解码、已按上限缩放的内存图像。
// 它既是请求方拿到的结果，也是落盘前的暂存形态。
type Artifact struct {
	Image  image.Image
	Width  int
	Height int
}

// Transformer 描述解码与再编码两步变换。Decode 产出内存表示，
// Encode 产出适合持久化的字节形态，两者都尊重 ctx 取消。
type Transformer interface {
	Decode(ctx context.Context, data []byte) (*Artifact, error)
	Encode(ctx context.Context, artifact *Artifact) ([]byte, error)
}
