// Package auth はアイデンティティプロバイダーとの認証・セッション通知を提供する。
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/taskman/internal/model"
)

// Provider はアイデンティティプロバイダーのインターフェース。
// 資格情報の検証はプロバイダー側で行い、結果のセッション変化を購読者に通知する。
type Provider interface {
	// Register は新規ユーザーを作成し、そのままサインインする。
	Register(ctx context.Context, email, password string) (*model.Session, error)
	// Login は既存ユーザーとしてサインインする。
	Login(ctx context.Context, email, password string) (*model.Session, error)
	// Logout は現在のセッションを無効化する。
	Logout(ctx context.Context) error
	// OnSessionChanged はセッション変化の通知を登録する。
	// 登録直後に現在の状態（未認証ならnil）が一度通知される。戻り値で登録を解除する。
	OnSessionChanged(fn func(*model.Session)) (unsubscribe func())
}

// sessionNotifier は現在のセッションと購読者を保持し、変化を通知する。
// ExpiresAtを持つセッションは期限到来時にnilへ遷移する。
type sessionNotifier struct {
	mu        sync.Mutex
	current   *model.Session
	listeners map[int]func(*model.Session)
	nextID    int
	expiry    *time.Timer

	// deliverMu は状態更新から通知完了までを直列化し、通知順序を保証する。
	deliverMu sync.Mutex

	now func() time.Time
}

func newSessionNotifier() *sessionNotifier {
	return &sessionNotifier{
		listeners: make(map[int]func(*model.Session)),
		now:       time.Now,
	}
}

func (n *sessionNotifier) subscribe(fn func(*model.Session)) func() {
	n.deliverMu.Lock()
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	current := n.current
	n.mu.Unlock()

	fn(current)
	n.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *sessionNotifier) session() *model.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// set は現在のセッションを置き換えて全購読者に通知する。
func (n *sessionNotifier) set(s *model.Session) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()
	n.replace(s)
}

// expire はsが現在のセッションのままであればnilに遷移させる。
func (n *sessionNotifier) expire(s *model.Session) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	n.mu.Lock()
	stillCurrent := n.current == s
	n.mu.Unlock()

	if stillCurrent {
		n.replace(nil)
	}
}

// replace はdeliverMuを保持した状態で呼ぶこと。
func (n *sessionNotifier) replace(s *model.Session) {
	n.mu.Lock()
	n.current = s
	if n.expiry != nil {
		n.expiry.Stop()
		n.expiry = nil
	}
	if s != nil && !s.ExpiresAt.IsZero() {
		n.expiry = time.AfterFunc(s.ExpiresAt.Sub(n.now()), func() { n.expire(s) })
	}
	listeners := make([]func(*model.Session), 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}
