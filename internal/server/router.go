package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/img-hub/img-hub/internal/imagecache"
	"github.com/img-hub/img-hub/internal/store"
	"github.com/img-hub/img-hub/internal/transform"
)

// ImageProvider describes the cache coordinator surface the HTTP layer
// depends on. It allows injecting fake providers during tests.
type ImageProvider interface {
	Request(ctx context.Context, rawURL string) (*transform.Artifact, error)
	KeyFor(rawURL string) (string, error)
	Stats() imagecache.Snapshot
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger      *logrus.Logger
	Provider    ImageProvider
	Store       store.Store
	Transformer transform.Transformer
	Format      string
	ListenPort  int
}

const contextKeyRequestID = "_imghub_request_id"

// NewApp builds a Fiber application with the image fetch surface and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("image provider is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Transformer == nil {
		return nil, errors.New("transformer is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	handler := newImageHandler(opts)
	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/image", handler.handleGet)
	app.Head("/image", handler.handleHead)

	return app, nil
}

// requestIDMiddleware 负责生成请求 ID 并写入响应头，便于跨日志关联。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request ID assigned by the middleware, if any.
func RequestID(c fiber.Ctx) string {
	if value, ok := c.Locals(contextKeyRequestID).(string); ok {
		return value
	}
	return ""
}
