package imagecache

import "errors"

// 错误按管线阶段划分；调用方可用 errors.Is 区分失败来源。
// Encode/Persist 阶段的失败不会回传给已拿到解码结果的请求方，
// 仅意味着下一次请求会重走完整管线。
var (
	ErrInvalidIdentifier = errors.New("invalid resource identifier")
	ErrFetchFailed       = errors.New("upstream fetch failed")
	ErrDecodeFailed      = errors.New("image decode failed")
	ErrEncodeFailed      = errors.New("image encode failed")
	ErrPersistFailed     = errors.New("durable persist failed")
)
