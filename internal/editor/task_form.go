// Package editor はタスクと認証のフォーム状態・検証・送信を扱う。
package editor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hitoshi/taskman/internal/model"
)

// ErrSubmitInProgress は同じフォームで送信中に再送信した場合のエラー。
var ErrSubmitInProgress = errors.New("submission already in progress")

// maxTitleLength はtasks.titleの列幅（文字数）。
const maxTitleLength = 500

// フィールド名
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldPriority    = "priority"
	FieldCategory    = "category"
	FieldEmail       = "email"
	FieldPassword    = "password"
)

// TaskSaver はタスクの作成・更新の送信先。tasksync.Synchronizerが実装する。
type TaskSaver interface {
	Create(ctx context.Context, draft model.TaskDraft) (string, error)
	Update(ctx context.Context, id string, draft model.TaskDraft) error
}

// TaskFields はタスクフォームの入力値。
type TaskFields struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    model.Priority `json:"priority"`
	Category    model.Category `json:"category"`
}

// DefaultTaskFields はフォームの初期値を返す。
func DefaultTaskFields() TaskFields {
	return TaskFields{Priority: model.DefaultPriority, Category: model.DefaultCategory}
}

// TaskForm はタスク1件分の作成・編集フォーム。
// 編集対象が設定されていれば更新、なければ作成として送信する。
type TaskForm struct {
	saver  TaskSaver
	logger *slog.Logger

	mu             sync.Mutex
	fields         TaskFields
	editTarget     string
	fieldErrors    map[string]model.FieldError
	operationError string
	submitting     bool
}

// NewTaskForm は初期値のTaskFormを生成する。
func NewTaskForm(saver TaskSaver, logger *slog.Logger) *TaskForm {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskForm{
		saver:  saver,
		logger: logger,
		fields: DefaultTaskFields(),
	}
}

// Fields は現在の入力値を返す。
func (f *TaskForm) Fields() TaskFields {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields
}

// SetFields は入力値を置き換える。空の優先度・カテゴリは初期値になる。
func (f *TaskForm) SetFields(fields TaskFields) {
	if fields.Priority == "" {
		fields.Priority = model.DefaultPriority
	}
	if fields.Category == "" {
		fields.Category = model.DefaultCategory
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = fields
}

// LoadForEdit はタスクを編集対象に設定し、その内容をフォームに読み込む。
func (f *TaskForm) LoadForEdit(task model.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editTarget = task.ID
	f.fields = TaskFields{
		Title:       task.Title,
		Description: task.Description,
		Priority:    task.Priority,
		Category:    task.Category,
	}
	f.fieldErrors = nil
}

// ClearEdit は編集対象を外し、空のフォームに戻す。
func (f *TaskForm) ClearEdit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editTarget = ""
	f.fields = DefaultTaskFields()
	f.fieldErrors = nil
}

// EditTarget は編集中のタスクIDを返す。作成モードでは空文字列。
func (f *TaskForm) EditTarget() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.editTarget
}

// FieldErrors は直近の検証エラーを返す。
func (f *TaskForm) FieldErrors() map[string]model.FieldError {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.FieldError, len(f.fieldErrors))
	for k, v := range f.fieldErrors {
		out[k] = v
	}
	return out
}

// OperationError は直近の保存失敗メッセージを返す。
func (f *TaskForm) OperationError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.operationError
}

// Submit は入力値を検証して送信し、作成または更新したタスクのIDを返す。
//
// タイトルと説明は前後の空白だけを取り除き、本文はそのまま保存する。
// 検証エラーは*model.ValidationErrorで返し、ストアは呼ばない。
// 保存に失敗した場合は入力値を保持したままエラーを返す。
// 作成に成功した場合は入力値を初期値に戻す。更新成功時は入力値を保持する。
func (f *TaskForm) Submit(ctx context.Context) (string, error) {
	f.mu.Lock()
	if f.submitting {
		f.mu.Unlock()
		return "", ErrSubmitInProgress
	}

	draft := model.TaskDraft{
		Title:       strings.TrimSpace(f.fields.Title),
		Description: strings.TrimSpace(f.fields.Description),
		Priority:    f.fields.Priority,
		Category:    f.fields.Category,
		Completed:   false,
	}

	verr := validateDraft(draft)
	if verr.HasErrors() {
		f.fieldErrors = verr.Fields
		f.mu.Unlock()
		return "", verr
	}

	f.fieldErrors = nil
	f.operationError = ""
	f.submitting = true
	target := f.editTarget
	f.mu.Unlock()

	id := target
	var err error
	if target == "" {
		id, err = f.saver.Create(ctx, draft)
	} else {
		err = f.saver.Update(ctx, target, draft)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitting = false

	if err != nil {
		f.operationError = model.SaveErrorMessage
		f.logger.Warn("task save failed",
			slog.String("task_id", target),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	if target == "" {
		f.fields = DefaultTaskFields()
	}
	return id, nil
}

func validateDraft(draft model.TaskDraft) *model.ValidationError {
	verr := model.NewValidationError()
	switch {
	case draft.Title == "":
		verr.Add(FieldTitle, model.EmptyField, "Title is required")
	case utf8.RuneCountInString(draft.Title) > maxTitleLength:
		verr.Add(FieldTitle, model.InvalidFormat, "Title must be at most 500 characters")
	}
	if draft.Description == "" {
		verr.Add(FieldDescription, model.EmptyField, "Description is required")
	}
	if !draft.Priority.Valid() {
		verr.Add(FieldPriority, model.InvalidFormat, "Priority must be High, Medium or Low")
	}
	if !draft.Category.Valid() {
		verr.Add(FieldCategory, model.InvalidFormat, "Category must be Work, Personal or School")
	}
	return verr
}
