package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"salescrm/pkg/idgen"

	"github.com/go-redis/redis/v8"
)

// KeyMutex 按键互斥
//
// 分类引擎要求任何会改变 (业务员, 客户, 产品) 键下"已审批未删除"集合的
// 操作都在该键的临界区内执行；预约登记处对 (客户, 产品) 键同理。
// 生产环境用 Redis 实现（多实例部署也互斥），单元测试和单实例部署
// 可以用进程内实现。
type KeyMutex interface {
	// Acquire 获取 key 对应的互斥锁，返回释放函数
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// ============================================================================
// Redis 实现
// ============================================================================

type RedisKeyMutex struct {
	client        *redis.Client
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisKeyMutex(client *redis.Client) *RedisKeyMutex {
	return &RedisKeyMutex{
		client:        client,
		expiration:    30 * time.Second,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    50,
	}
}

func (m *RedisKeyMutex) Acquire(ctx context.Context, key string) (func(), error) {
	// value 使用雪花ID，便于追踪是哪次操作持有锁
	value := fmt.Sprintf("%d", idgen.NextID())
	dl := NewDistributedLock(m.client, key, value, m.expiration)
	if err := dl.Lock(ctx, m.retryInterval, m.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// 释放用独立的超时上下文，调用方的 ctx 取消时也要保证解锁
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = dl.Unlock(releaseCtx)
	}, nil
}

// ============================================================================
// 进程内实现
// ============================================================================

// LocalKeyMutex 进程内按键互斥锁
// 单实例部署时可替代 Redis 锁；单元测试也用它验证并发不变量
type LocalKeyMutex struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocalKeyMutex() *LocalKeyMutex {
	return &LocalKeyMutex{locks: make(map[string]*localEntry)}
}

func (m *LocalKeyMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &localEntry{}
		m.locks[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			m.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}, nil
}
