package lock

import (
	"context"
	"sync"
	"testing"
)

// 同一个键上的并发临界区必须互斥
func TestLocalKeyMutexMutualExclusion(t *testing.T) {
	km := NewLocalKeyMutex()
	ctx := context.Background()

	const workers = 50
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := km.Acquire(ctx, "key-1")
			if err != nil {
				t.Errorf("获取锁失败: %v", err)
				return
			}
			defer release()
			counter++ // 互斥保护下的非原子自增
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("counter = %d, 期望 %d（临界区被并发进入）", counter, workers)
	}
}

// 不同键互不阻塞
func TestLocalKeyMutexIndependentKeys(t *testing.T) {
	km := NewLocalKeyMutex()
	ctx := context.Background()

	release1, err := km.Acquire(ctx, "key-1")
	if err != nil {
		t.Fatalf("获取锁失败: %v", err)
	}
	defer release1()

	// key-1 被持有时 key-2 仍可获取
	release2, err := km.Acquire(ctx, "key-2")
	if err != nil {
		t.Fatalf("key-2 获取被 key-1 阻塞: %v", err)
	}
	release2()
}

// 释放函数可以安全地重复调用
func TestLocalKeyMutexReleaseIdempotent(t *testing.T) {
	km := NewLocalKeyMutex()
	ctx := context.Background()

	release, err := km.Acquire(ctx, "key-1")
	if err != nil {
		t.Fatalf("获取锁失败: %v", err)
	}
	release()
	release() // 二次调用不应 panic 或解别人的锁

	release2, err := km.Acquire(ctx, "key-1")
	if err != nil {
		t.Fatalf("释放后重新获取失败: %v", err)
	}
	release2()
}

// 锁表不泄漏：全部释放后内部条目被回收
func TestLocalKeyMutexEntryReclaimed(t *testing.T) {
	km := NewLocalKeyMutex()
	ctx := context.Background()

	release, _ := km.Acquire(ctx, "key-1")
	release()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Fatalf("锁表残留 %d 个条目", len(km.locks))
	}
}
