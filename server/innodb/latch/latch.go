package latch

import (
	"sync"
	"sync/atomic"
)

// Latch 存储级读写锁: readers share it, mutations and repair hold it exclusively
type Latch struct {
	mu   sync.RWMutex
	name string

	exclusive int64 // atomic
	shared    int64 // atomic
}

// NewLatch 创建一个新的锁
func NewLatch(name string) *Latch {
	return &Latch{name: name}
}

func (l *Latch) Name() string {
	return l.name
}

// Lock 获取写锁
func (l *Latch) Lock() {
	l.mu.Lock()
	atomic.AddInt64(&l.exclusive, 1)
}

// Unlock 释放写锁
func (l *Latch) Unlock() {
	l.mu.Unlock()
}

// RLock 获取读锁
func (l *Latch) RLock() {
	l.mu.RLock()
	atomic.AddInt64(&l.shared, 1)
}

// RUnlock 释放读锁
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// Write runs fn holding the latch exclusively.
func (l *Latch) Write(fn func() error) error {
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Read runs fn holding the latch shared.
func (l *Latch) Read(fn func() error) error {
	l.RLock()
	defer l.RUnlock()
	return fn()
}

// Acquisitions returns how often the latch was taken exclusively and shared.
func (l *Latch) Acquisitions() (exclusive, shared int64) {
	return atomic.LoadInt64(&l.exclusive), atomic.LoadInt64(&l.shared)
}
