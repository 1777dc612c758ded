// Package session は現在の認証済みアイデンティティを追跡し、変化を購読者に伝える。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/taskman/internal/auth"
	"github.com/hitoshi/taskman/internal/model"
)

// Controller はプロバイダーのセッション通知を受けて現在のセッションを保持する。
// 購読者にはアイデンティティが変わったとき（nil⇔非nil、または別ユーザー）だけ通知する。
type Controller struct {
	provider auth.Provider
	logger   *slog.Logger

	mu        sync.Mutex
	current   *model.Session
	listeners map[int]func(*model.Session)
	nextID    int
	stop      func()

	// handleMu はセッション更新から購読者への通知完了までを直列化する。
	handleMu sync.Mutex
}

// NewController はControllerを生成する。Startを呼ぶまで通知は受け取らない。
func NewController(provider auth.Provider, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		provider:  provider,
		logger:    logger,
		listeners: make(map[int]func(*model.Session)),
	}
}

// Start はプロバイダーのセッション通知の受信を開始する。
// プロバイダーは登録直後に現在の状態を通知するため、戻った時点でCurrentは最新になる。
func (c *Controller) Start() {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	stop := c.provider.OnSessionChanged(c.handle)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		// 並行したStartに先を越された
		stop()
		return
	}
	c.stop = stop
}

// Stop はプロバイダーのセッション通知の受信を停止する。
func (c *Controller) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Current は現在のセッションを返す。未認証の場合はnil。
func (c *Controller) Current() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// OnChange はアイデンティティ変化の通知を登録する。戻り値で登録を解除する。
func (c *Controller) OnChange(fn func(*model.Session)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Logout はプロバイダーのセッションを無効化する。
// 成功時は未認証状態に遷移して購読者に通知する。失敗時は状態を変えずにエラーを返す。リトライはしない。
func (c *Controller) Logout(ctx context.Context) error {
	if err := c.provider.Logout(ctx); err != nil {
		c.logger.Warn("logout failed", slog.String("error", err.Error()))
		return fmt.Errorf("failed to logout: %w", err)
	}

	c.handle(nil)
	return nil
}

func (c *Controller) handle(s *model.Session) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	c.mu.Lock()
	changed := !model.SameIdentity(c.current, s)
	c.current = s
	var listeners []func(*model.Session)
	if changed {
		listeners = make([]func(*model.Session), 0, len(c.listeners))
		for _, fn := range c.listeners {
			listeners = append(listeners, fn)
		}
	}
	c.mu.Unlock()

	if !changed {
		return
	}

	if s != nil {
		c.logger.Info("session established", slog.String("user_id", s.UserID))
	} else {
		c.logger.Info("session cleared")
	}

	for _, fn := range listeners {
		fn(s)
	}
}
