package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/taskman/internal/database"
	"github.com/hitoshi/taskman/internal/model"
)

// listenerPingInterval は通知が途絶えた接続を検出するためのPing間隔。
const listenerPingInterval = 90 * time.Second

// ListenerConfig はLISTEN/NOTIFY用コネクションの再接続設定。
type ListenerConfig struct {
	DatabaseURL  string
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

// PostgresTaskStore はPostgreSQLを使用したタスクストア。
// ライブ購読はtasksテーブルのトリガーが発行するNOTIFYを受けて所有者の集合を再取得する。
type PostgresTaskStore struct {
	db       *sql.DB
	listener ListenerConfig
	logger   *slog.Logger
}

// NewPostgresTaskStore はPostgresTaskStoreを生成する。
func NewPostgresTaskStore(db *sql.DB, listener ListenerConfig, logger *slog.Logger) *PostgresTaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	if listener.MinReconnect <= 0 {
		listener.MinReconnect = 10 * time.Second
	}
	if listener.MaxReconnect < listener.MinReconnect {
		listener.MaxReconnect = listener.MinReconnect
	}
	return &PostgresTaskStore{db: db, listener: listener, logger: logger}
}

// Subscribe は所有者のタスク集合のライブ購読を開始する。
// 初回スナップショットの取得に失敗した場合はエラーを返し、購読は開始しない。
// 切断時はpq.Listenerが再接続を続けるため、onErrorは呼ばれない。
func (s *PostgresTaskStore) Subscribe(ctx context.Context, q TaskQuery, onChange func([]model.Task), _ func(error)) (Unsubscribe, error) {
	logger := s.logger.With(slog.String("owner_id", q.OwnerID))

	listener := pq.NewListener(s.listener.DatabaseURL, s.listener.MinReconnect, s.listener.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("task listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	if err := listener.Listen(database.TaskChangeChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen task changes: %w", err)
	}

	initial, err := s.listByOwner(ctx, q.OwnerID)
	if err != nil {
		listener.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		onChange(initial)

		ticker := time.NewTicker(listenerPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-subCtx.Done():
				return
			case n := <-listener.Notify:
				// nilは再接続を示す。切断中の変更を取りこぼしている可能性があるため再取得する。
				if n != nil && n.Extra != q.OwnerID {
					continue
				}
				tasks, err := s.listByOwner(subCtx, q.OwnerID)
				if err != nil {
					if subCtx.Err() == nil {
						logger.Warn("failed to reload tasks", slog.String("error", err.Error()))
					}
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				onChange(tasks)
			case <-ticker.C:
				go listener.Ping()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			if err := listener.Close(); err != nil {
				logger.Warn("failed to close task listener", slog.String("error", err.Error()))
			}
		})
	}, nil
}

func (s *PostgresTaskStore) listByOwner(ctx context.Context, ownerID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, description, priority, category, completed, created_at
		 FROM tasks
		 WHERE owner_id = $1
		 ORDER BY created_at, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		var t model.Task
		var priority, category string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description,
			&priority, &category, &t.Completed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Priority = model.Priority(priority)
		t.Category = model.Category(category)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

// Create はタスクを作成する。IDが空の場合はUUIDを採番する。
func (s *PostgresTaskStore) Create(ctx context.Context, task *model.Task) (string, error) {
	id := task.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, title, description, priority, category, completed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		id, task.OwnerID, task.Title, task.Description,
		string(task.Priority), string(task.Category), task.Completed, createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	return id, nil
}

// Update は指定IDのタスクにパッチを適用する。nilのフィールドは変更しない。
func (s *PostgresTaskStore) Update(ctx context.Context, id string, patch model.TaskPatch) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, model.ErrTaskNotFound)
	}

	sets, args := buildTaskPatch(patch)
	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update task %s: %w", id, model.ErrTaskNotFound)
	}

	return nil
}

// Delete は指定IDのタスクを削除する。
func (s *PostgresTaskStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, model.ErrTaskNotFound)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to delete task %s: %w", id, model.ErrTaskNotFound)
	}

	return nil
}

// buildTaskPatch はパッチからSET句と引数を組み立てる。updated_atは常に更新する。
func buildTaskPatch(patch model.TaskPatch) ([]string, []any) {
	var sets []string
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Priority != nil {
		add("priority", string(*patch.Priority))
	}
	if patch.Category != nil {
		add("category", string(*patch.Category))
	}
	if patch.Completed != nil {
		add("completed", *patch.Completed)
	}
	sets = append(sets, "updated_at = now()")

	return sets, args
}

// compile-time interface check
var _ TaskStore = (*PostgresTaskStore)(nil)
