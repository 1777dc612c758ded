// Package workspace はセッション・購読・表示・編集の各コンポーネントを組み立てる。
//
// セッションの変化は購読の切り替えに、ミラーの変化は表示リストの再計算に連鎖する。
// タスクの変更はSynchronizer経由でストアに送られ、同じ購読を通ってミラーに戻ってくる。
package workspace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/taskman/internal/auth"
	"github.com/hitoshi/taskman/internal/editor"
	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/presenter"
	"github.com/hitoshi/taskman/internal/repository"
	"github.com/hitoshi/taskman/internal/session"
	"github.com/hitoshi/taskman/internal/tasksync"
)

const defaultSubscribeTimeout = 10 * time.Second

// Options はWorkspaceの任意設定。
type Options struct {
	Metrics          metrics.MetricsCollector
	Logger           *slog.Logger
	SubscribeTimeout time.Duration
}

// Workspace は1つのセッションに対するタスク操作の入口。
type Workspace struct {
	provider     auth.Provider
	controller   *session.Controller
	synchronizer *tasksync.Synchronizer
	view         *presenter.View
	form         *editor.TaskForm
	metrics      metrics.MetricsCollector
	logger       *slog.Logger

	subscribeTimeout time.Duration

	mu    sync.Mutex
	stops []func()
}

// New はWorkspaceを生成する。Startを呼ぶまでセッションの変化には反応しない。
func New(provider auth.Provider, store repository.TaskStore, opts Options) *Workspace {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}

	synchronizer := tasksync.New(store, opts.Metrics, opts.Logger)
	return &Workspace{
		provider:         provider,
		controller:       session.NewController(provider, opts.Logger),
		synchronizer:     synchronizer,
		view:             presenter.NewView(),
		form:             editor.NewTaskForm(synchronizer, opts.Logger),
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		subscribeTimeout: opts.SubscribeTimeout,
	}
}

// Start はコンポーネント間の通知を接続し、プロバイダーの現在のセッションを取り込む。
func (w *Workspace) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.stops) > 0 {
		return
	}

	w.stops = append(w.stops,
		w.synchronizer.OnMirrorChanged(w.view.SetTasks),
		w.controller.OnChange(w.onSessionChanged),
	)
	w.controller.Start()
	w.stops = append(w.stops, w.controller.Stop, w.synchronizer.Close)
}

// Close は購読を解除し、通知の接続を外す。
func (w *Workspace) Close() {
	w.mu.Lock()
	stops := w.stops
	w.stops = nil
	w.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
}

func (w *Workspace) onSessionChanged(s *model.Session) {
	owner := ""
	if s != nil {
		owner = s.UserID
	} else {
		w.form.ClearEdit()
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.subscribeTimeout)
	defer cancel()
	if err := w.synchronizer.SetIdentity(ctx, owner); err != nil {
		w.logger.Error("failed to switch task subscription",
			slog.String("owner_id", owner),
			slog.String("error", err.Error()),
		)
	}
}

// Session は現在のセッションを返す。未認証の場合はnil。
func (w *Workspace) Session() *model.Session {
	return w.controller.Current()
}

// Authenticate は認証フォームを通してログインまたは登録を行う。
func (w *Workspace) Authenticate(ctx context.Context, mode editor.AuthMode, email, password string) (*model.Session, error) {
	form := editor.NewAuthForm(w.provider, w.metrics, w.logger)
	form.SetMode(mode)
	form.SetCredentials(email, password)
	return form.Submit(ctx)
}

// Logout はセッションを破棄する。成功すると購読も解除される。
func (w *Workspace) Logout(ctx context.Context) error {
	return w.controller.Logout(ctx)
}

// VisibleTasks は現在の絞り込み条件を適用した表示リストを返す。
func (w *Workspace) VisibleTasks() []model.Task {
	return w.view.Visible()
}

// QueryTasks は共有の絞り込み条件を変えずに、指定条件での表示リストを返す。
// 購読が失われていれば先に購読し直し、それも失敗した場合はStoreError(subscribe)を返す。
func (w *Workspace) QueryTasks(ctx context.Context, criteria presenter.Criteria) ([]model.Task, error) {
	if w.Session() == nil {
		return nil, model.ErrNotAuthenticated
	}
	if w.synchronizer.SubscriptionError() != nil {
		if err := w.synchronizer.Resubscribe(ctx); err != nil {
			return nil, err
		}
	}
	return presenter.Apply(w.synchronizer.Tasks(), criteria), nil
}

// SyncError は現在のユーザーのタスク購読が失われている場合にその原因を返す。
func (w *Workspace) SyncError() error {
	return w.synchronizer.SubscriptionError()
}

// OnVisibleChanged は表示リストの再計算通知を登録する。
func (w *Workspace) OnVisibleChanged(fn func([]model.Task)) func() {
	return w.view.OnChange(fn)
}

// SetSearch は検索文字列を変更する。
func (w *Workspace) SetSearch(text string) {
	w.view.SetSearchText(text)
}

// SetCategory はカテゴリ選択を変更する。
func (w *Workspace) SetCategory(category string) {
	w.view.SetCategory(category)
}

// Criteria は現在の絞り込み条件を返す。
func (w *Workspace) Criteria() presenter.Criteria {
	return w.view.Criteria()
}

// TaskForm は共有のタスクフォームを返す。
func (w *Workspace) TaskForm() *editor.TaskForm {
	return w.form
}

// StartEdit はミラー上のタスクを共有フォームの編集対象にする。
func (w *Workspace) StartEdit(id string) error {
	task, ok := w.synchronizer.Task(id)
	if !ok {
		return model.ErrTaskNotFound
	}
	w.form.LoadForEdit(task)
	return nil
}

// ClearEdit は共有フォームの編集対象を外す。
func (w *Workspace) ClearEdit() {
	w.form.ClearEdit()
}

// SaveTask は入力値を1回分のフォームとして送信する。idが空なら作成、そうでなければ更新する。
// 更新対象は現在のミラーに含まれるタスクに限る。
func (w *Workspace) SaveTask(ctx context.Context, id string, fields editor.TaskFields) (string, error) {
	if w.controller.Current() == nil {
		return "", model.ErrNotAuthenticated
	}

	form := editor.NewTaskForm(w.synchronizer, w.logger)
	if id != "" {
		task, ok := w.synchronizer.Task(id)
		if !ok {
			return "", model.ErrTaskNotFound
		}
		form.LoadForEdit(task)
	}
	form.SetFields(fields)
	return form.Submit(ctx)
}

// DeleteTask はミラー上のタスクを削除する。
func (w *Workspace) DeleteTask(ctx context.Context, id string) error {
	if w.controller.Current() == nil {
		return model.ErrNotAuthenticated
	}
	if _, ok := w.synchronizer.Task(id); !ok {
		return model.ErrTaskNotFound
	}
	if err := w.synchronizer.Delete(ctx, id); err != nil {
		return err
	}
	if w.form.EditTarget() == id {
		w.form.ClearEdit()
	}
	return nil
}

// Toggle はミラー上のタスクの完了状態を反転する。
func (w *Workspace) Toggle(ctx context.Context, id string) error {
	if w.controller.Current() == nil {
		return model.ErrNotAuthenticated
	}
	task, ok := w.synchronizer.Task(id)
	if !ok {
		return model.ErrTaskNotFound
	}
	return w.synchronizer.ToggleCompletion(ctx, task)
}
