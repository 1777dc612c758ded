package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/taskman/internal/model"
)

// MemoryTaskStore はプロセス内で完結するタスクストア。
// ローカル開発モードとテストで使用する。変更通知は書き込みを行ったgoroutine上で同期的に配信される。
type MemoryTaskStore struct {
	mu      sync.Mutex
	tasks   map[string]*memoryTask
	seq     int64
	subs    map[int64]*memorySubscription
	nextSub int64

	// deliverMu はスナップショットの取得から配信までを直列化し、古い集合が新しい集合を上書きしないようにする。
	deliverMu sync.Mutex
}

type memoryTask struct {
	task model.Task
	seq  int64
}

type memorySubscription struct {
	query    TaskQuery
	onChange func([]model.Task)
	closed   atomic.Bool
}

// NewMemoryTaskStore はMemoryTaskStoreを生成する。
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]*memoryTask),
		subs:  make(map[int64]*memorySubscription),
	}
}

// Subscribe はライブ購読を開始し、初回スナップショットを戻る前に配信する。
// プロセス内で完結するため購読が異常終了することはなく、onErrorは呼ばれない。
func (s *MemoryTaskStore) Subscribe(ctx context.Context, q TaskQuery, onChange func([]model.Task), _ func(error)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to subscribe tasks: %w", err)
	}

	sub := &memorySubscription{query: q, onChange: onChange}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	s.mu.Unlock()

	s.deliver([]*memorySubscription{sub})

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.closed.Store(true)
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

// Create はタスクを作成する。IDが空の場合はUUIDを採番する。
func (s *MemoryTaskStore) Create(ctx context.Context, task *model.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	s.mu.Lock()
	stored := *task
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := s.tasks[stored.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("failed to create task: duplicate id %s", stored.ID)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.seq++
	s.tasks[stored.ID] = &memoryTask{task: stored, seq: s.seq}
	targets := s.subscribersFor(stored.OwnerID)
	s.mu.Unlock()

	s.deliver(targets)
	return stored.ID, nil
}

// Update は指定IDのタスクにパッチを適用する。
func (s *MemoryTaskStore) Update(ctx context.Context, id string, patch model.TaskPatch) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("failed to update task %s: %w", id, model.ErrTaskNotFound)
	}
	patch.Apply(&entry.task)
	targets := s.subscribersFor(entry.task.OwnerID)
	s.mu.Unlock()

	s.deliver(targets)
	return nil
}

// Delete は指定IDのタスクを削除する。
func (s *MemoryTaskStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("failed to delete task %s: %w", id, model.ErrTaskNotFound)
	}
	delete(s.tasks, id)
	targets := s.subscribersFor(entry.task.OwnerID)
	s.mu.Unlock()

	s.deliver(targets)
	return nil
}

// subscribersFor は所有者に一致する購読を返す。s.muを保持した状態で呼ぶこと。
func (s *MemoryTaskStore) subscribersFor(ownerID string) []*memorySubscription {
	var targets []*memorySubscription
	for _, sub := range s.subs {
		if sub.query.OwnerID == ownerID {
			targets = append(targets, sub)
		}
	}
	return targets
}

func (s *MemoryTaskStore) deliver(targets []*memorySubscription) {
	if len(targets) == 0 {
		return
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	for _, sub := range targets {
		if sub.closed.Load() {
			continue
		}
		sub.onChange(s.snapshot(sub.query))
	}
}

// snapshot はクエリに一致するタスクをcreatedAt昇順（同時刻は挿入順）で返す。
func (s *MemoryTaskStore) snapshot(q TaskQuery) []model.Task {
	s.mu.Lock()
	entries := make([]memoryTask, 0, len(s.tasks))
	for _, entry := range s.tasks {
		if q.Matches(&entry.task) {
			entries = append(entries, *entry)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(entries, func(a, b memoryTask) int {
		if c := a.task.CreatedAt.Compare(b.task.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	tasks := make([]model.Task, len(entries))
	for i, entry := range entries {
		tasks[i] = entry.task
	}
	return tasks
}

// compile-time interface check
var _ TaskStore = (*MemoryTaskStore)(nil)
