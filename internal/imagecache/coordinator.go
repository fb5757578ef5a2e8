package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/img-hub/img-hub/internal/logging"
	"github.com/img-hub/img-hub/internal/store"
	"github.com/img-hub/img-hub/internal/transform"
	"github.com/img-hub/img-hub/internal/upstream"
)

// Options 汇总协调器的外部协作者；除 Logger 外均为必填。
type Options struct {
	Store            store.Store
	Fetcher          upstream.Fetcher
	Transformer      transform.Transformer
	Logger           *logrus.Logger
	StorageExtension string
}

// Coordinator 实现双层缓存协调：磁盘层为权威层，内存层仅作为抓取与
// 落盘之间的暂存。entries 是唯一的共享可变状态，由 mu 串行化；
// mu 只保护查表与状态迁移，绝不跨越抓取/解码/落盘等 I/O。
type Coordinator struct {
	store       store.Store
	fetcher     upstream.Fetcher
	transformer transform.Transformer
	logger      *logrus.Logger
	ext         string

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// cacheEntry 是单个 key 的内存状态，flight 与 resident 有且仅有其一非 nil。
// 条目总是瞬态的：成功则落盘后删除，失败则直接删除。
type cacheEntry struct {
	flight   *flight
	resident *transform.Artifact
}

// flight 是可多方等待的共享抓取句柄。waiters/completed 由 Coordinator.mu
// 保护；done 关闭后 artifact/err 不再变化，等待方可以无锁读取。
type flight struct {
	done      chan struct{}
	cancel    context.CancelFunc
	artifact  *transform.Artifact
	err       error
	waiters   int
	completed bool
}

// NewCoordinator 构建协调器并校验协作者齐备。
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Transformer == nil {
		return nil, errors.New("transformer is required")
	}
	ext := opts.StorageExtension
	if ext == "" {
		ext = ".png"
	}
	return &Coordinator{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		transformer: opts.Transformer,
		logger:      opts.Logger,
		ext:         ext,
		entries:     make(map[string]*cacheEntry),
	}, nil
}

// KeyFor 暴露键推导，供调用方在不触发 Request 的前提下预检磁盘层。
func (c *Coordinator) KeyFor(rawURL string) (string, error) {
	return KeyFor(rawURL, c.ext)
}

// Request 解析"给我 rawURL 的解码产物"请求：磁盘命中直接返回，
// 内存命中加入在途抓取或返回暂存产物，未命中则发起唯一一次抓取。
func (c *Coordinator) Request(ctx context.Context, rawURL string) (*transform.Artifact, error) {
	key, err := c.KeyFor(rawURL)
	if err != nil {
		return nil, err
	}

	if artifact, ok, err := c.fromDurable(ctx, rawURL, key); err != nil {
		return nil, err
	} else if ok {
		return artifact, nil
	}

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		if entry.resident != nil {
			artifact := entry.resident
			c.mu.Unlock()
			return artifact, nil
		}
		fl := entry.flight
		fl.waiters++
		c.mu.Unlock()
		return c.await(ctx, fl)
	}

	// 在途管线使用与请求方解耦的 ctx：单个请求方放弃等待不应中断
	// 其他等待方共享的抓取，取消权由计数归零时的最后一方行使。
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fl := &flight{done: make(chan struct{}), cancel: cancel, waiters: 1}
	c.entries[key] = &cacheEntry{flight: fl}
	c.mu.Unlock()

	go c.runPipeline(runCtx, key, rawURL, fl)
	return c.await(ctx, fl)
}

// Snapshot 描述内存层瞬时状态，供诊断接口与测试观察逐出行为。
type Snapshot struct {
	InFlight int `json:"in_flight"`
	Resident int `json:"resident"`
}

// Stats 返回当前内存层快照。
func (c *Coordinator) Stats() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var snap Snapshot
	for _, entry := range c.entries {
		if entry.resident != nil {
			snap.Resident++
		} else {
			snap.InFlight++
		}
	}
	return snap
}

// fromDurable 尝试磁盘快速路径。读不到按未命中处理（重走管线自愈），
// 读到但解码失败则视为损坏并向调用方报错。
func (c *Coordinator) fromDurable(ctx context.Context, rawURL, key string) (*transform.Artifact, bool, error) {
	result, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logWarn(rawURL, key, "durable_read_failed", err)
		}
		return nil, false, nil
	}
	defer result.Reader.Close()

	data, err := io.ReadAll(result.Reader)
	if err != nil {
		c.logWarn(rawURL, key, "durable_read_failed", err)
		return nil, false, nil
	}

	artifact, err := c.transformer.Decode(ctx, data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return artifact, true, nil
}

// await 等待共享句柄完成或请求方自身取消；句柄完成后结果不可变。
func (c *Coordinator) await(ctx context.Context, fl *flight) (*transform.Artifact, error) {
	select {
	case <-fl.done:
		c.detach(fl, false)
		return fl.artifact, fl.err
	case <-ctx.Done():
		c.detach(fl, true)
		return nil, ctx.Err()
	}
}

// detach 减少等待者计数；最后一个放弃等待的请求方负责取消底层抓取。
func (c *Coordinator) detach(fl *flight, abandoned bool) {
	c.mu.Lock()
	fl.waiters--
	shouldCancel := abandoned && fl.waiters == 0 && !fl.completed
	c.mu.Unlock()

	if shouldCancel {
		fl.cancel()
	}
}

// runPipeline 执行唯一一次抓取与解码，成功后迁移到 resident 并继续落盘。
func (c *Coordinator) runPipeline(ctx context.Context, key, rawURL string, fl *flight) {
	defer fl.cancel()

	raw, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		c.fail(key, fl, fmt.Errorf("%w: %v", ErrFetchFailed, err))
		return
	}

	artifact, err := c.transformer.Decode(ctx, raw)
	if err != nil {
		c.fail(key, fl, fmt.Errorf("%w: %v", ErrDecodeFailed, err))
		return
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{resident: artifact}
	fl.artifact = artifact
	fl.completed = true
	c.mu.Unlock()
	close(fl.done)

	// 等待方此刻已全部放行；落盘阶段服务于后续请求，
	// 不受任何在场等待方取消的影响。
	c.persist(context.WithoutCancel(ctx), key, rawURL, artifact)
}

// fail 删除条目并以同一错误唤醒全部等待方；失败的 key 不会滞留在途。
func (c *Coordinator) fail(key string, fl *flight, err error) {
	c.mu.Lock()
	delete(c.entries, key)
	fl.err = err
	fl.completed = true
	c.mu.Unlock()
	close(fl.done)
}

// persist 将 resident 产物编码并原子写入磁盘层，随后无条件逐出内存条目。
// 编码/写盘失败只记日志：已发出的解码结果不受影响，下一次请求会重试全管线。
func (c *Coordinator) persist(ctx context.Context, key, rawURL string, artifact *transform.Artifact) {
	defer c.evict(key)

	encoded, err := c.transformer.Encode(ctx, artifact)
	if err != nil {
		c.logWarn(rawURL, key, "persist_skipped", fmt.Errorf("%w: %v", ErrEncodeFailed, err))
		return
	}

	if _, err := c.store.Put(ctx, key, bytes.NewReader(encoded), store.PutOptions{}); err != nil {
		c.logWarn(rawURL, key, "persist_skipped", fmt.Errorf("%w: %v", ErrPersistFailed, err))
		return
	}

	if c.logger != nil {
		fields := logging.RequestFields(rawURL, key, false)
		fields["action"] = "persist"
		fields["bytes"] = len(encoded)
		c.logger.WithFields(fields).Debug("产物已落盘")
	}
}

func (c *Coordinator) evict(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Coordinator) logWarn(rawURL, key, action string, err error) {
	if c.logger == nil {
		return
	}
	fields := logging.RequestFields(rawURL, key, false)
	fields["action"] = action
	c.logger.WithFields(fields).Warn(err.Error())
}
