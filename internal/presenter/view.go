package presenter

import (
	"sync"

	"github.com/hitoshi/taskman/internal/model"
)

// View は最新のミラーと絞り込み条件を保持し、どちらかが変わるたびに表示リストを再計算する。
type View struct {
	mu        sync.Mutex
	tasks     []model.Task
	criteria  Criteria
	visible   []model.Task
	listeners map[int]func([]model.Task)
	nextID    int
}

// NewView は空のViewを生成する。
func NewView() *View {
	return &View{
		visible:   []model.Task{},
		listeners: make(map[int]func([]model.Task)),
	}
}

// SetTasks はミラーを置き換えて再計算する。Synchronizer.OnMirrorChangedに渡して使う。
func (v *View) SetTasks(tasks []model.Task) {
	v.mu.Lock()
	v.tasks = tasks
	v.recompute()
}

// SetSearchText は検索文字列を変更して再計算する。
func (v *View) SetSearchText(text string) {
	v.mu.Lock()
	v.criteria.SearchText = text
	v.recompute()
}

// SetCategory はカテゴリ選択を変更して再計算する。
func (v *View) SetCategory(category string) {
	v.mu.Lock()
	v.criteria.Category = category
	v.recompute()
}

// Criteria は現在の絞り込み条件を返す。
func (v *View) Criteria() Criteria {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.criteria
}

// Visible は現在の表示リストのコピーを返す。
func (v *View) Visible() []model.Task {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneTasks(v.visible)
}

// OnChange は表示リストの再計算通知を登録する。
func (v *View) OnChange(fn func([]model.Task)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.listeners, id)
			v.mu.Unlock()
		})
	}
}

// recompute はmuを保持した状態で呼び、muを解放して戻る。
func (v *View) recompute() {
	visible := Apply(v.tasks, v.criteria)
	v.visible = visible
	listeners := make([]func([]model.Task), 0, len(v.listeners))
	for _, fn := range v.listeners {
		listeners = append(listeners, fn)
	}
	v.mu.Unlock()

	for _, fn := range listeners {
		fn(cloneTasks(visible))
	}
}

func cloneTasks(tasks []model.Task) []model.Task {
	out := make([]model.Task, len(tasks))
	copy(out, tasks)
	return out
}
