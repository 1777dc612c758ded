package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/taskman/internal/model"
)

// taskDocument はMongoDBに保存するタスクドキュメント。
type taskDocument struct {
	ID          string    `bson:"_id"`
	OwnerID     string    `bson:"ownerId"`
	Title       string    `bson:"title"`
	Description string    `bson:"description"`
	Priority    string    `bson:"priority"`
	Category    string    `bson:"category"`
	Completed   bool      `bson:"completed"`
	CreatedAt   time.Time `bson:"createdAt"`
}

func (d taskDocument) toModel() model.Task {
	return model.Task{
		ID:          d.ID,
		OwnerID:     d.OwnerID,
		Title:       d.Title,
		Description: d.Description,
		Priority:    model.Priority(d.Priority),
		Category:    model.Category(d.Category),
		Completed:   d.Completed,
		CreatedAt:   d.CreatedAt,
	}
}

func newTaskDocument(t *model.Task) taskDocument {
	return taskDocument{
		ID:          t.ID,
		OwnerID:     t.OwnerID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Category:    string(t.Category),
		Completed:   t.Completed,
		CreatedAt:   t.CreatedAt,
	}
}

// MongoTaskStore はMongoDBを使用したタスクストア。
// ライブ購読にはChange Streamを使うため、レプリカセット構成が必要。
type MongoTaskStore struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

// NewMongoTaskStore はMongoTaskStoreを生成する。
func NewMongoTaskStore(coll *mongo.Collection, logger *slog.Logger) *MongoTaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoTaskStore{coll: coll, logger: logger}
}

// ConnectMongo はMongoDBに接続し、Pingで到達性を確認する。
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes は所有者ごとの一覧取得に使うインデックスを作成する。
func (s *MongoTaskStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create task indexes: %w", err)
	}
	return nil
}

// changeStreamPipeline は所有者のドキュメントへの変更と、所有者を判別できない削除を対象とする。
func changeStreamPipeline(ownerID string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "fullDocument.ownerId", Value: ownerID}},
			bson.D{{Key: "operationType", Value: "delete"}},
		}}}}},
	}
}

// 変更ストリームが途切れたときの再開設定。
const (
	maxStreamResumes      = 5
	streamResumeBaseDelay = 500 * time.Millisecond
	streamResumeMaxDelay  = 10 * time.Second
)

// resumeDelay はattempt回目（1始まり）の再開までの待ち時間を返す。倍々で増え、上限で頭打ちになる。
func resumeDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return streamResumeMaxDelay
	}
	d := streamResumeBaseDelay << (attempt - 1)
	if d > streamResumeMaxDelay {
		return streamResumeMaxDelay
	}
	return d
}

// Subscribe は所有者のタスク集合のライブ購読を開始する。
// Change Streamを先に開いてから初回スナップショットを取得するため、その間の変更も取りこぼさない。
//
// ストリームが途切れた場合はレジュームトークンから開き直し、再開後に全件を再取得する。
// maxStreamResumes回続けて再開できなければonErrorを呼んで購読を終える。
func (s *MongoTaskStore) Subscribe(ctx context.Context, q TaskQuery, onChange func([]model.Task), onError func(error)) (Unsubscribe, error) {
	logger := s.logger.With(slog.String("owner_id", q.OwnerID))

	watch := func(ctx context.Context, resumeToken bson.Raw) (*mongo.ChangeStream, error) {
		streamOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if resumeToken != nil {
			streamOpts.SetResumeAfter(resumeToken)
		}
		return s.coll.Watch(ctx, changeStreamPipeline(q.OwnerID), streamOpts)
	}

	stream, err := watch(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to watch tasks: %w", err)
	}

	initial, err := s.listByOwner(ctx, q.OwnerID)
	if err != nil {
		stream.Close(context.Background())
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	reload := func() {
		tasks, err := s.listByOwner(subCtx, q.OwnerID)
		if err != nil {
			if subCtx.Err() == nil {
				logger.Warn("failed to reload tasks", slog.String("error", err.Error()))
			}
			return
		}
		if subCtx.Err() == nil {
			onChange(tasks)
		}
	}

	go func() {
		defer close(done)
		defer func() {
			if stream != nil {
				if err := stream.Close(context.Background()); err != nil {
					logger.Warn("failed to close task change stream", slog.String("error", err.Error()))
				}
			}
		}()

		onChange(initial)

		failures := 0
		for {
			for stream.Next(subCtx) {
				failures = 0
				reload()
			}
			if subCtx.Err() != nil {
				return
			}

			streamErr := stream.Err()
			if streamErr == nil {
				streamErr = errors.New("change stream closed")
			}
			token := stream.ResumeToken()
			stream.Close(context.Background())
			stream = nil

			for stream == nil {
				failures++
				if failures > maxStreamResumes {
					logger.Error("task change stream terminated", slog.String("error", streamErr.Error()))
					if onError != nil {
						onError(fmt.Errorf("task change stream terminated: %w", streamErr))
					}
					return
				}

				logger.Warn("task change stream interrupted, resuming",
					slog.Int("attempt", failures),
					slog.String("error", streamErr.Error()),
				)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(resumeDelay(failures)):
				}

				next, err := watch(subCtx, token)
				if err != nil {
					if subCtx.Err() != nil {
						return
					}
					streamErr = err
					continue
				}
				stream = next
			}

			// 途切れている間の変更を反映する
			reload()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *MongoTaskStore) listByOwner(ctx context.Context, ownerID string) ([]model.Task, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{"ownerId": ownerID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []taskDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}

	tasks := make([]model.Task, len(docs))
	for i, doc := range docs {
		tasks[i] = doc.toModel()
	}
	return tasks, nil
}

// Create はタスクを作成する。IDが空の場合はUUIDを採番する。
func (s *MongoTaskStore) Create(ctx context.Context, task *model.Task) (string, error) {
	doc := newTaskDocument(task)
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	// MongoDBの日時はミリ秒精度
	doc.CreatedAt = doc.CreatedAt.UTC().Truncate(time.Millisecond)

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	return doc.ID, nil
}

// Update は指定IDのタスクにパッチを適用する。
func (s *MongoTaskStore) Update(ctx context.Context, id string, patch model.TaskPatch) error {
	if patch.IsEmpty() {
		// 空の$setはエラーになるため存在確認のみ行う
		err := s.coll.FindOne(ctx, bson.M{"_id": id}).Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("failed to update task %s: %w", id, model.ErrTaskNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		return nil
	}

	result, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": buildTaskPatchDocument(patch)})
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("failed to update task %s: %w", id, model.ErrTaskNotFound)
	}
	return nil
}

// Delete は指定IDのタスクを削除する。
func (s *MongoTaskStore) Delete(ctx context.Context, id string) error {
	result, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("failed to delete task %s: %w", id, model.ErrTaskNotFound)
	}
	return nil
}

func buildTaskPatchDocument(patch model.TaskPatch) bson.M {
	set := bson.M{}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.Priority != nil {
		set["priority"] = string(*patch.Priority)
	}
	if patch.Category != nil {
		set["category"] = string(*patch.Category)
	}
	if patch.Completed != nil {
		set["completed"] = *patch.Completed
	}
	return set
}

// compile-time interface check
var _ TaskStore = (*MongoTaskStore)(nil)
