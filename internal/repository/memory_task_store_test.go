package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/taskman/internal/model"
)

// recorder はonChangeに渡された集合を記録する。
type recorder struct {
	mu     sync.Mutex
	events [][]model.Task
}

func (r *recorder) onChange(tasks []model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, tasks)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() []model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func newTask(owner, title string, createdAt time.Time) *model.Task {
	return &model.Task{
		Title:       title,
		Description: title + " description",
		Priority:    model.PriorityMedium,
		Category:    model.CategoryPersonal,
		OwnerID:     owner,
		CreatedAt:   createdAt,
	}
}

func TestMemoryTaskStore_ImplementsInterface(t *testing.T) {
	var _ TaskStore = (*MemoryTaskStore)(nil)
}

func TestQueryByOwner_Matches(t *testing.T) {
	q := QueryByOwner("u1")
	if !q.Matches(&model.Task{OwnerID: "u1"}) {
		t.Error("expected task owned by u1 to match")
	}
	if q.Matches(&model.Task{OwnerID: "u2"}) {
		t.Error("expected task owned by u2 not to match")
	}
	if q.Matches(nil) {
		t.Error("expected nil task not to match")
	}
}

func TestMemoryTaskStore_Subscribe_DeliversInitialSnapshot(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.Create(ctx, newTask("u1", "a", base)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec := &recorder{}
	unsub, err := store.Subscribe(ctx, QueryByOwner("u1"), rec.onChange, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	if rec.count() != 1 {
		t.Fatalf("events = %d, want 1", rec.count())
	}
	if got := rec.last(); len(got) != 1 || got[0].Title != "a" {
		t.Errorf("initial snapshot = %+v, want one task 'a'", got)
	}
}

// TestMemoryTaskStore_Subscribe_OnlyOwnerTasks は他ユーザーのタスクが集合に含まれないことを検証する。
func TestMemoryTaskStore_Subscribe_OnlyOwnerTasks(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, owner := range []string{"u1", "u2", "u1", "u2"} {
		if _, err := store.Create(ctx, newTask(owner, owner, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	rec := &recorder{}
	unsub, err := store.Subscribe(ctx, QueryByOwner("u1"), rec.onChange, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsub()

	got := rec.last()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, task := range got {
		if task.OwnerID != "u1" {
			t.Errorf("task %s owner = %q, want u1", task.ID, task.OwnerID)
		}
	}
}

func TestMemoryTaskStore_Subscribe_OrderedByCreatedAt(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// 作成順と createdAt の順序を逆にする
	store.Create(ctx, newTask("u1", "third", base.Add(2*time.Hour)))
	store.Create(ctx, newTask("u1", "first", base))
	store.Create(ctx, newTask("u1", "second", base.Add(time.Hour)))
	// 同時刻は挿入順
	store.Create(ctx, newTask("u1", "second-b", base.Add(time.Hour)))

	rec := &recorder{}
	unsub, _ := store.Subscribe(ctx, QueryByOwner("u1"), rec.onChange, nil)
	defer unsub()

	want := []string{"first", "second", "second-b", "third"}
	got := rec.last()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, title := range want {
		if got[i].Title != title {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Title, title)
		}
	}
}

func TestMemoryTaskStore_Mutations_NotifyOwnerSubscribers(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	rec1 := &recorder{}
	unsub1, _ := store.Subscribe(ctx, QueryByOwner("u1"), rec1.onChange, nil)
	defer unsub1()
	rec2 := &recorder{}
	unsub2, _ := store.Subscribe(ctx, QueryByOwner("u2"), rec2.onChange, nil)
	defer unsub2()

	id, err := store.Create(ctx, newTask("u1", "a", time.Now()))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	if rec1.count() != 2 {
		t.Errorf("u1 events after create = %d, want 2", rec1.count())
	}
	if rec2.count() != 1 {
		t.Errorf("u2 events after create = %d, want 1 (initial only)", rec2.count())
	}

	if err := store.Update(ctx, id, model.CompletionPatch(true)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := rec1.last(); len(got) != 1 || !got[0].Completed {
		t.Errorf("after update = %+v, want completed task", got)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := rec1.last(); len(got) != 0 {
		t.Errorf("after delete = %+v, want empty", got)
	}
	if rec2.count() != 1 {
		t.Errorf("u2 events = %d, want 1", rec2.count())
	}
}

// TestMemoryTaskStore_Update_PreservesOwnerAndCreatedAt はパッチがOwnerIDとCreatedAtを変更しないことを検証する。
func TestMemoryTaskStore_Update_PreservesOwnerAndCreatedAt(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	id, _ := store.Create(ctx, newTask("u1", "a", created))

	draft := model.TaskDraft{
		Title:       "b",
		Description: "new description",
		Priority:    model.PriorityHigh,
		Category:    model.CategoryWork,
	}
	if err := store.Update(ctx, id, draft.FullPatch()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	rec := &recorder{}
	unsub, _ := store.Subscribe(ctx, QueryByOwner("u1"), rec.onChange, nil)
	defer unsub()

	got := rec.last()
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	task := got[0]
	if task.Title != "b" || task.Description != "new description" || task.Priority != model.PriorityHigh || task.Category != model.CategoryWork {
		t.Errorf("patched task = %+v", task)
	}
	if task.OwnerID != "u1" {
		t.Errorf("OwnerID = %q, want u1", task.OwnerID)
	}
	if !task.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", task.CreatedAt, created)
	}
}

func TestMemoryTaskStore_NotFound(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	if err := store.Update(ctx, "missing", model.CompletionPatch(true)); !errors.Is(err, model.ErrTaskNotFound) {
		t.Errorf("Update error = %v, want ErrTaskNotFound", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, model.ErrTaskNotFound) {
		t.Errorf("Delete error = %v, want ErrTaskNotFound", err)
	}
}

func TestMemoryTaskStore_Create_DuplicateID_ReturnsError(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	task := newTask("u1", "a", time.Now())
	task.ID = "fixed"
	if _, err := store.Create(ctx, task); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if _, err := store.Create(ctx, task); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestMemoryTaskStore_Unsubscribe_StopsDelivery(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	rec := &recorder{}
	unsub, _ := store.Subscribe(ctx, QueryByOwner("u1"), rec.onChange, nil)
	unsub()
	// 2回目の呼び出しも安全
	unsub()

	store.Create(ctx, newTask("u1", "a", time.Now()))

	if rec.count() != 1 {
		t.Errorf("events = %d, want 1 (initial only)", rec.count())
	}
}

func TestMemoryTaskStore_CanceledContext_ReturnsError(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Subscribe(ctx, QueryByOwner("u1"), func([]model.Task) {}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Subscribe error = %v, want context.Canceled", err)
	}
	if _, err := store.Create(ctx, newTask("u1", "a", time.Now())); !errors.Is(err, context.Canceled) {
		t.Errorf("Create error = %v, want context.Canceled", err)
	}
}

// TestMemoryTaskStore_SnapshotIsCopy は配信された集合を変更してもストアに影響しないことを検証する。
func TestMemoryTaskStore_SnapshotIsCopy(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()
	store.Create(ctx, newTask("u1", "a", time.Now()))

	rec := &recorder{}
	unsub, _ := store.Subscribe(ctx, QueryByOwner("u1"), rec.onChange, nil)
	defer unsub()

	rec.last()[0].Title = "mutated"

	rec2 := &recorder{}
	unsub2, _ := store.Subscribe(ctx, QueryByOwner("u1"), rec2.onChange, nil)
	defer unsub2()

	if got := rec2.last()[0].Title; got != "a" {
		t.Errorf("Title = %q, want %q", got, "a")
	}
}

func TestMemoryTaskStore_ConcurrentMutations(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	rec := &recorder{}
	unsub, _ := store.Subscribe(ctx, QueryByOwner("u1"), rec.onChange, nil)
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Create(ctx, newTask("u1", "t", time.Now()))
		}()
	}
	wg.Wait()

	if got := len(rec.last()); got != 20 {
		t.Errorf("final snapshot len = %d, want 20", got)
	}
}
