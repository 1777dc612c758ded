// Package tasksync は現在のユーザーのタスク集合をドキュメントストアから購読し、ローカルにミラーする。
package tasksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/repository"
)

// ストア操作名。StoreError.Opとメトリクスのopラベルに使う。
const (
	OpSubscribe = "subscribe"
	OpCreate    = "create"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpToggle    = "toggle"
)

// Synchronizer はタスクミラーの唯一の書き込み手。
// ミラーはストアから届いたスナップショットでのみ置き換わり、楽観的更新は行わない。
//
// 購読は世代番号で管理する。SetIdentityによる解除は世代を同期的に進めるため、
// 解除済みの購読から遅れて届いたコールバックはミラーを変更しない。
//
// 購読の開始失敗やストア側での異常終了はSubscriptionErrorで参照できる。
// その間ミラーは最後のスナップショットのまま残り、Resubscribeで回復する。
type Synchronizer struct {
	store   repository.TaskStore
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	// identityMu はSetIdentity同士を直列化する。
	identityMu sync.Mutex

	// deliverMu はミラー更新から購読者への通知完了までを直列化する。
	// 購読者のコールバックからSetIdentityを呼んではならない。
	deliverMu sync.Mutex

	mu          sync.Mutex
	owner       string
	generation  uint64
	unsubscribe repository.Unsubscribe
	subErr      error
	mirror      []model.Task
	listeners   map[int]func([]model.Task)
	nextID      int
	active      int
}

// New はSynchronizerを生成する。
func New(store repository.TaskStore, collector metrics.MetricsCollector, logger *slog.Logger) *Synchronizer {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:     store,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func([]model.Task)),
	}
}

// SetIdentity は購読対象のユーザーを切り替える。
// 同じユーザーなら何もしない。別ユーザーなら既存の購読を解除して再購読し、空文字列なら解除のみ行う。
// 新しい購読の開始に失敗した場合はStoreErrorを返し、ミラーは空のまま残る。
func (s *Synchronizer) SetIdentity(ctx context.Context, ownerID string) error {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	return s.setIdentity(ctx, ownerID)
}

// Resubscribe は現在のユーザーの購読が失われていれば購読し直す。購読中または未認証なら何もしない。
func (s *Synchronizer) Resubscribe(ctx context.Context) error {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	return s.setIdentity(ctx, s.Owner())
}

// setIdentity はidentityMuを保持した状態で呼ぶこと。
func (s *Synchronizer) setIdentity(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	if s.owner == ownerID && (ownerID == "" || s.unsubscribe != nil) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	gen := s.teardown(ownerID)

	if ownerID == "" {
		s.logger.Info("task subscription closed")
		return nil
	}

	unsubscribe, err := s.store.Subscribe(ctx, repository.QueryByOwner(ownerID),
		func(tasks []model.Task) { s.apply(gen, tasks) },
		func(err error) { s.fail(gen, err) },
	)
	if err != nil {
		s.logger.Error("failed to subscribe to tasks",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		storeErr := model.NewStoreError(OpSubscribe, err)
		s.mu.Lock()
		if s.generation == gen {
			s.subErr = storeErr
		}
		s.mu.Unlock()
		return storeErr
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		unsubscribe()
		return nil
	}
	if subErr := s.subErr; subErr != nil {
		// 戻る前にストア側で終了していた
		s.mu.Unlock()
		unsubscribe()
		return subErr
	}
	s.unsubscribe = unsubscribe
	s.active++
	active := s.active
	s.mu.Unlock()

	s.metrics.SetActiveSubscriptions(active)
	s.logger.Info("task subscription opened", slog.String("owner_id", ownerID))
	return nil
}

// teardown は世代を進めてミラーを空にし、既存の購読を解除する。新しい世代番号を返す。
func (s *Synchronizer) teardown(ownerID string) uint64 {
	s.deliverMu.Lock()
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.owner = ownerID
	s.subErr = nil
	hadTasks := len(s.mirror) > 0
	s.mirror = nil
	old := s.unsubscribe
	s.unsubscribe = nil
	if old != nil {
		s.active--
	}
	active := s.active
	listeners := s.listenerSnapshot()
	s.mu.Unlock()

	if hadTasks {
		for _, fn := range listeners {
			fn(nil)
		}
	}
	s.deliverMu.Unlock()

	if old != nil {
		old()
		s.metrics.SetActiveSubscriptions(active)
	}
	return gen
}

// apply はストアからのスナップショットでミラーを丸ごと置き換える。
func (s *Synchronizer) apply(gen uint64, tasks []model.Task) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.metrics.RecordStaleEventDropped()
		s.logger.Debug("dropped stale task snapshot", slog.Uint64("generation", gen))
		return
	}
	mirror := make([]model.Task, len(tasks))
	copy(mirror, tasks)
	s.mirror = mirror
	listeners := s.listenerSnapshot()
	s.mu.Unlock()

	s.metrics.RecordMirrorReplaced(len(mirror))

	for _, fn := range listeners {
		fn(cloneTasks(mirror))
	}
}

// fail はストア側で終了した購読を記録し、同じユーザーで購読し直せるようにする。
// ストアの配信goroutineから呼ばれるため、解除の完了は別goroutineで待つ。
func (s *Synchronizer) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.metrics.RecordStaleEventDropped()
		return
	}
	old := s.unsubscribe
	s.unsubscribe = nil
	if old != nil {
		s.active--
	}
	active := s.active
	owner := s.owner
	s.subErr = model.NewStoreError(OpSubscribe, err)
	s.mu.Unlock()

	s.metrics.SetActiveSubscriptions(active)
	s.logger.Error("task subscription terminated",
		slog.String("owner_id", owner),
		slog.String("error", err.Error()),
	)
	if old != nil {
		go old()
	}
}

// SubscriptionError は現在のユーザーの購読が開始できなかった、またはストア側で終了した場合に
// *model.StoreErrorを返す。購読し直すかユーザーが切り替わるとnilに戻る。
func (s *Synchronizer) SubscriptionError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subErr
}

// listenerSnapshot はmuを保持した状態で呼ぶこと。
func (s *Synchronizer) listenerSnapshot() []func([]model.Task) {
	listeners := make([]func([]model.Task), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

// OnMirrorChanged はミラー置き換えの通知を登録する。登録直後に現在のミラーが一度通知される。
func (s *Synchronizer) OnMirrorChanged(fn func([]model.Task)) func() {
	s.deliverMu.Lock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	current := cloneTasks(s.mirror)
	s.mu.Unlock()

	fn(current)
	s.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Tasks は現在のミラーのコピーを返す。
func (s *Synchronizer) Tasks() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTasks(s.mirror)
}

// Task はミラーからIDでタスクを探す。
func (s *Synchronizer) Task(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.mirror {
		if t.ID == id {
			return t, true
		}
	}
	return model.Task{}, false
}

// Owner は購読中のユーザーIDを返す。未認証の場合は空文字列。
func (s *Synchronizer) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Close は購読を解除する。
func (s *Synchronizer) Close() {
	s.SetIdentity(context.Background(), "")
}

// Create はドラフトに所有者と作成日時を付けて新規ドキュメントとして送信する。
// ストアが書き込みを確認した時点で新しいIDを返す。ミラーへの反映は購読経由で行われる。
func (s *Synchronizer) Create(ctx context.Context, draft model.TaskDraft) (string, error) {
	owner := s.Owner()
	if owner == "" {
		return "", model.ErrNotAuthenticated
	}

	task := &model.Task{
		Title:       draft.Title,
		Description: draft.Description,
		Priority:    draft.Priority,
		Category:    draft.Category,
		Completed:   false,
		OwnerID:     owner,
		CreatedAt:   s.now(),
	}

	var id string
	err := s.mutate(OpCreate, func() error {
		var err error
		id, err = s.store.Create(ctx, task)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update は既存タスクの可変フィールドをドラフトの内容で丸ごと置き換える。
func (s *Synchronizer) Update(ctx context.Context, id string, draft model.TaskDraft) error {
	if s.Owner() == "" {
		return model.ErrNotAuthenticated
	}
	return s.mutate(OpUpdate, func() error {
		return s.store.Update(ctx, id, draft.FullPatch())
	})
}

// Delete はタスクを削除する。
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	if s.Owner() == "" {
		return model.ErrNotAuthenticated
	}
	return s.mutate(OpDelete, func() error {
		return s.store.Delete(ctx, id)
	})
}

// ToggleCompletion は呼び出し元が持つタスクのcompletedを反転した値だけを送信する。
// 競合時は後勝ちになる。
func (s *Synchronizer) ToggleCompletion(ctx context.Context, task model.Task) error {
	if s.Owner() == "" {
		return model.ErrNotAuthenticated
	}
	return s.mutate(OpToggle, func() error {
		return s.store.Update(ctx, task.ID, model.CompletionPatch(!task.Completed))
	})
}

func (s *Synchronizer) mutate(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.metrics.RecordStoreMutation(op, err, time.Since(start))
	if err != nil {
		s.logger.Warn("task mutation failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return model.NewStoreError(op, fmt.Errorf("%s task: %w", op, err))
	}
	return nil
}

func cloneTasks(tasks []model.Task) []model.Task {
	if tasks == nil {
		return nil
	}
	out := make([]model.Task, len(tasks))
	copy(out, tasks)
	return out
}
