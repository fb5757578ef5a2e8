package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/img-hub/img-hub/internal/imagecache"
	"github.com/img-hub/img-hub/internal/logging"
	"github.com/img-hub/img-hub/internal/store"
	"github.com/img-hub/img-hub/internal/transform"
)

// imageHandler 负责 orchestrate “磁盘预检 → 协调器请求 → 响应编码” 的全流程，
// 对外暴露 Fiber handler，内部复用共享协调器与磁盘层。
type imageHandler struct {
	provider    ImageProvider
	store       store.Store
	transformer transform.Transformer
	logger      *logrus.Logger
	contentType string
}

func newImageHandler(opts AppOptions) *imageHandler {
	contentType := "image/png"
	if opts.Format == "jpeg" {
		contentType = "image/jpeg"
	}
	return &imageHandler{
		provider:    opts.Provider,
		store:       opts.Store,
		transformer: opts.Transformer,
		logger:      opts.Logger,
		contentType: contentType,
	}
}

// handleGet 执行完整请求：磁盘命中状态仅用于响应头提示，真正的分层决策
// 在协调器内部完成。
func (h *imageHandler) handleGet(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)

	rawURL := c.Query("url")
	if rawURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := h.provider.KeyFor(rawURL)
	if err != nil {
		h.logResult(rawURL, "", requestID, fiber.StatusBadRequest, false, started, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_identifier"})
	}
	cacheHit := h.store.Exists(ctx, key)

	artifact, err := h.provider.Request(ctx, rawURL)
	if err != nil {
		status, code := mapRequestError(err)
		h.logResult(rawURL, key, requestID, status, cacheHit, started, err)
		return c.Status(status).JSON(fiber.Map{"error": code})
	}

	encoded, err := h.transformer.Encode(ctx, artifact)
	if err != nil {
		h.logResult(rawURL, key, requestID, fiber.StatusInternalServerError, cacheHit, started, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "encode_failed"})
	}

	c.Set("Content-Type", h.contentType)
	c.Set("X-Img-Hub-Cache-Hit", boolHeader(cacheHit))
	h.logResult(rawURL, key, requestID, fiber.StatusOK, cacheHit, started, nil)
	return c.Send(encoded)
}

// handleHead 暴露磁盘层预检：仅凭键推导判断产物是否已落盘，不触发抓取。
func (h *imageHandler) handleHead(c fiber.Ctx) error {
	rawURL := c.Query("url")
	if rawURL == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}

	key, err := h.provider.KeyFor(rawURL)
	if err != nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if !h.store.Exists(ctx, key) {
		return c.SendStatus(fiber.StatusNotFound)
	}
	c.Set("Content-Type", h.contentType)
	c.Set("X-Img-Hub-Cache-Hit", "true")
	return c.SendStatus(fiber.StatusOK)
}

func mapRequestError(err error) (int, string) {
	switch {
	case errors.Is(err, imagecache.ErrInvalidIdentifier):
		return fiber.StatusBadRequest, "invalid_identifier"
	case errors.Is(err, imagecache.ErrFetchFailed):
		return fiber.StatusBadGateway, "upstream_failed"
	case errors.Is(err, imagecache.ErrDecodeFailed):
		return fiber.StatusUnprocessableEntity, "decode_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusRequestTimeout, "request_cancelled"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func boolHeader(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func (h *imageHandler) logResult(rawURL, key, requestID string, status int, cacheHit bool, started time.Time, err error) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(rawURL, key, cacheHit)
	fields["action"] = "image_request"
	fields["status"] = status
	fields["duration_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		h.logger.WithFields(fields).Warn(err.Error())
		return
	}
	h.logger.WithFields(fields).Info("请求完成")
}
