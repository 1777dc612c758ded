package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskman/internal/editor"
	"github.com/hitoshi/taskman/internal/middleware"
	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/presenter"
	"github.com/hitoshi/taskman/internal/tasksync"
)

// TaskService はタスクハンドラーが必要とするサービスインターフェース。
type TaskService interface {
	// QueryTasks は絞り込み・並び替え済みの表示リストを返す。
	QueryTasks(ctx context.Context, criteria presenter.Criteria) ([]model.Task, error)
	// SaveTask はidが空なら作成、そうでなければ更新し、タスクIDを返す。
	SaveTask(ctx context.Context, id string, fields editor.TaskFields) (string, error)
	DeleteTask(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string) error
}

// TaskHandler はタスク管理のHTTPハンドラー。
type TaskHandler struct {
	service TaskService
	logger  *slog.Logger
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(service TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{service: service, logger: logger}
}

// taskRequest はタスク作成・更新リクエストのボディ。
// priority/categoryは大文字小文字を区別せず、空の場合は初期値になる。
type taskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
}

// toFields はリクエストをフォーム入力値に変換する。
// 未知の値はそのまま渡し、フォームの検証でInvalidFormatとして報告させる。
func (req taskRequest) toFields() editor.TaskFields {
	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		priority = model.Priority(req.Priority)
	}
	category, err := model.ParseCategory(req.Category)
	if err != nil {
		category = model.Category(req.Category)
	}
	return editor.TaskFields{
		Title:       req.Title,
		Description: req.Description,
		Priority:    priority,
		Category:    category,
	}
}

// taskListResponse はタスク一覧のレスポンス。
type taskListResponse struct {
	Tasks []model.Task `json:"tasks"`
	Count int          `json:"count"`
}

// ListTasks は検索文字列とカテゴリで絞り込んだタスク一覧を優先度順に返す。
// GET /api/tasks?search=&category=
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	criteria := presenter.Criteria{
		SearchText: query.Get("search"),
		Category:   query.Get("category"),
	}
	if criteria.Category == "" {
		criteria.Category = presenter.CategoryAll
	}

	tasks, err := h.service.QueryTasks(r.Context(), criteria)
	if err != nil {
		h.writeTaskError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, taskListResponse{Tasks: tasks, Count: len(tasks)})
}

// CreateTask はタスクを作成する。
// POST /api/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("malformed JSON body"))
		return
	}

	id, err := h.service.SaveTask(r.Context(), "", req.toFields())
	if err != nil {
		h.writeTaskError(w, "", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// UpdateTask はタスクの全フィールドを置き換える。
// PUT /api/tasks/{id}
func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("malformed JSON body"))
		return
	}

	if _, err := h.service.SaveTask(r.Context(), taskID, req.toFields()); err != nil {
		h.writeTaskError(w, taskID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteTask はタスクを削除する。
// DELETE /api/tasks/{id}
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	if err := h.service.DeleteTask(r.Context(), taskID); err != nil {
		h.writeTaskError(w, taskID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ToggleTask はタスクの完了状態を反転する。
// POST /api/tasks/{id}/toggle
func (h *TaskHandler) ToggleTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	if err := h.service.Toggle(r.Context(), taskID); err != nil {
		h.writeTaskError(w, taskID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeTaskError はタスク操作のエラーを適切なHTTPステータスコードに変換する。
func (h *TaskHandler) writeTaskError(w http.ResponseWriter, taskID string, err error) {
	var verr *model.ValidationError
	var storeErr *model.StoreError

	switch {
	case errors.As(err, &verr):
		middleware.WriteValidationError(w, verr)
	case errors.Is(err, model.ErrNotAuthenticated):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
	case errors.Is(err, model.ErrTaskNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewTaskNotFoundError(taskID))
	case errors.Is(err, editor.ErrSubmitInProgress):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewSubmitInProgressError())
	case errors.As(err, &storeErr):
		h.logger.Error("task store operation failed",
			slog.String("op", storeErr.Op),
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		if storeErr.Op == tasksync.OpSubscribe {
			middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewSyncFailedError())
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewSaveFailedError())
	default:
		h.logger.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
