package keylock

import "sync"

// KeyLock 按键互斥锁，同一个键同时只有一个持有者
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New 创建按键互斥锁
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock 获取 key 对应的锁，返回释放函数
func (k *KeyLock) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len 当前被引用的键数量
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
