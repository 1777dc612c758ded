// Package repository はタスクドキュメントストアのインターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/taskman/internal/model"
)

// TaskQuery はライブクエリの対象を表す。
// 現状は所有者による絞り込みのみをサポートする。
type TaskQuery struct {
	OwnerID string
}

// QueryByOwner は指定ユーザーが所有するタスク全件を対象とするクエリを返す。
func QueryByOwner(ownerID string) TaskQuery {
	return TaskQuery{OwnerID: ownerID}
}

// Matches はタスクがクエリの対象かどうかを返す。
func (q TaskQuery) Matches(t *model.Task) bool {
	return t != nil && t.OwnerID == q.OwnerID
}

// Unsubscribe はライブクエリの購読を解除する。
// 戻った時点で以降のコールバック呼び出しは発生しない。複数回呼んでも安全。
type Unsubscribe func()

// TaskStore はタスクドキュメントストアのインターフェース。
type TaskStore interface {
	// Subscribe はクエリに一致するタスク集合のライブ購読を開始する。
	// 初回スナップショットと、以降の変更ごとの最新の完全な集合がonChangeに渡される。
	// 集合の順序はcreatedAtの昇順。コールバックからストアを呼び出してはならない。
	//
	// 購読が回復不能な形で終了した場合はonErrorが一度だけ呼ばれ、以降onChangeは呼ばれない。
	// onErrorはnilでもよい。Unsubscribeによる解除ではonErrorは呼ばれない。
	Subscribe(ctx context.Context, q TaskQuery, onChange func([]model.Task), onError func(error)) (Unsubscribe, error)

	// Create はタスクを作成し、採番されたIDを返す。
	Create(ctx context.Context, task *model.Task) (string, error)

	// Update は指定IDのタスクにパッチを適用する。
	// 存在しない場合はmodel.ErrTaskNotFoundをラップしたエラーを返す。
	Update(ctx context.Context, id string, patch model.TaskPatch) error

	// Delete は指定IDのタスクを削除する。
	// 存在しない場合はmodel.ErrTaskNotFoundをラップしたエラーを返す。
	Delete(ctx context.Context, id string) error
}
