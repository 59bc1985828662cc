package distributed_lock

import (
	"context"
	"fmt"
	"sync"
)

// KeyedLocker 按键互斥，同一键同一时刻只有一个持有者，不同键互不阻塞
type KeyedLocker interface {
	// Lock 获取键锁，返回释放函数；ctx 取消时放弃等待
	Lock(ctx context.Context, key string) (func(), error)
}

// keyedEntry 单个键的锁，引用计数归零时从表中移除
type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// LocalKeyedLock 进程内键锁
type LocalKeyedLock struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewLocalKeyedLock 创建进程内键锁
func NewLocalKeyedLock() *LocalKeyedLock {
	return &LocalKeyedLock{
		entries: make(map[string]*keyedEntry),
	}
}

// Lock 获取键锁
func (l *LocalKeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &keyedEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, entry)
		return nil, fmt.Errorf("等待键锁 %s 被取消: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(key, entry)
		})
	}, nil
}

// Len 当前持有或等待中的键数量
func (l *LocalKeyedLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *LocalKeyedLock) release(key string, entry *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}
