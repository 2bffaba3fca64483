// ============================================================================
// formrelay Session Pool - 單一表單會話池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理表單會話 (driver.Session) 的借出與歸還
//
// 設計:
//   容量固定為 1 的池：
//   1. 同一時間最多只有一個會話被借出（單一 worker）
//   2. Warm() 預先打開會話，讓導航錯誤在處理記錄之前就浮現
//   3. 每次嘗試借出一個 Lease，用完後 Discard()（會話不重複使用）
//      或 Release()（歸還給下一次嘗試）
//
// 生命週期:
//   NewPool(drv) -> Warm(ctx) -> Acquire(ctx) -> Lease.Discard() ... -> Close()
//
// 並發控制:
//   - slot:  容量 1 的 channel，持有令牌者才能使用會話
//   - idle:  已打開但尚未使用的會話
//   - mu:    保護 idle 與 closed
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/formrelay/internal/driver"
)

var (
	// ErrPoolClosed 表示會話池已關閉
	ErrPoolClosed = errors.New("session pool is closed")
	// ErrLeaseDone 表示 Lease 已歸還或丟棄
	ErrLeaseDone = errors.New("session lease already returned")
)

// Pool 管理最多一個表單會話
type Pool struct {
	drv    driver.Driver
	slot   chan struct{}  // 借出令牌
	idle   driver.Session // 預先打開的會話
	closed bool
	mu     sync.Mutex
}

// NewPool 建立會話池
// 參數：
//   - drv: 用來打開會話的 driver
func NewPool(drv driver.Driver) *Pool {
	p := &Pool{
		drv:  drv,
		slot: make(chan struct{}, 1),
	}
	p.slot <- struct{}{}
	return p
}

// Warm 確保池中有一個已打開的會話
// 返回值：
//   - error: driver 打開失敗（通常包裝 driver.ErrNavigation）
func (p *Pool) Warm(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.idle != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	s, err := p.drv.Open(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.idle != nil {
		_ = s.Close()
		if p.closed {
			return ErrPoolClosed
		}
		return nil
	}
	p.idle = s
	return nil
}

// Acquire 借出會話；若沒有預先打開的會話則即時打開一個
// 在另一個 Lease 尚未歸還前會阻塞，直到 ctx 結束
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case <-p.slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slot <- struct{}{}
		return nil, ErrPoolClosed
	}
	s := p.idle
	p.idle = nil
	p.mu.Unlock()

	if s == nil {
		var err error
		s, err = p.drv.Open(ctx)
		if err != nil {
			p.slot <- struct{}{}
			return nil, err
		}
	}
	return &Lease{pool: p, session: s}, nil
}

// Close 關閉池與閒置會話；已借出的 Lease 在歸還時關閉
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.idle != nil {
		err := p.idle.Close()
		p.idle = nil
		return err
	}
	return nil
}

// HasIdle 回報是否有預先打開的會話
func (p *Pool) HasIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle != nil
}

// ============================================================================
// Lease
// ============================================================================

// Lease 是一次借出的會話
type Lease struct {
	pool    *Pool
	session driver.Session
	once    sync.Once
}

// Session 返回借出的會話
func (l *Lease) Session() driver.Session { return l.session }

// Release 將會話歸還給池，供下一次嘗試使用
func (l *Lease) Release() error {
	err := ErrLeaseDone
	l.once.Do(func() {
		err = nil
		p := l.pool
		p.mu.Lock()
		if p.closed || p.idle != nil {
			p.mu.Unlock()
			err = l.session.Close()
		} else {
			p.idle = l.session
			p.mu.Unlock()
		}
		p.slot <- struct{}{}
	})
	return err
}

// Discard 關閉會話，下一次 Acquire 會打開新的會話
func (l *Lease) Discard() error {
	err := ErrLeaseDone
	l.once.Do(func() {
		err = l.session.Close()
		l.pool.slot <- struct{}{}
	})
	return err
}
