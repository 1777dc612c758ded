package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/taskman/internal/model"
)

// minPasswordLength はLocalProviderが受け付ける最小パスワード長。
const minPasswordLength = 6

// LocalConfig はLocalProviderの設定。
type LocalConfig struct {
	SessionTTL time.Duration // 0の場合は1時間
	BcryptCost int           // 0の場合はbcrypt.DefaultCost
	SigningKey []byte        // 空の場合は起動ごとにランダム生成
}

type localUser struct {
	id           string
	email        string
	passwordHash []byte
}

// LocalProvider はプロセス内でユーザーを管理するアイデンティティプロバイダー。
// ローカル開発モードとテストで使用する。ユーザーは再起動で失われる。
type LocalProvider struct {
	*sessionNotifier

	mu     sync.Mutex
	users  map[string]*localUser // key: 小文字化したemail
	config LocalConfig
	logger *slog.Logger
}

// NewLocalProvider はLocalProviderを生成する。
func NewLocalProvider(config LocalConfig, logger *slog.Logger) (*LocalProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = time.Hour
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if len(config.SigningKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		config.SigningKey = key
	}

	return &LocalProvider{
		sessionNotifier: newSessionNotifier(),
		users:           make(map[string]*localUser),
		config:          config,
		logger:          logger,
	}, nil
}

// Register は新規ユーザーを作成してサインインする。
func (p *LocalProvider) Register(ctx context.Context, email, password string) (*model.Session, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(key, "@") {
		return nil, model.NewAuthError(model.AuthCodeInvalidEmail, nil)
	}
	if len(password) < minPasswordLength {
		return nil, model.NewAuthError(model.AuthCodeWeakPassword, nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.config.BcryptCost)
	if err != nil {
		return nil, model.NewAuthError(model.AuthCodeInternal, fmt.Errorf("failed to hash password: %w", err))
	}

	p.mu.Lock()
	if _, exists := p.users[key]; exists {
		p.mu.Unlock()
		return nil, model.NewAuthError(model.AuthCodeEmailAlreadyInUse, nil)
	}
	user := &localUser{id: uuid.NewString(), email: key, passwordHash: hash}
	p.users[key] = user
	p.mu.Unlock()

	p.logger.Info("local user registered", slog.String("user_id", user.id))

	return p.signIn(user)
}

// Login は既存ユーザーとしてサインインする。
func (p *LocalProvider) Login(ctx context.Context, email, password string) (*model.Session, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(key, "@") {
		return nil, model.NewAuthError(model.AuthCodeInvalidEmail, nil)
	}

	p.mu.Lock()
	user, ok := p.users[key]
	p.mu.Unlock()
	if !ok {
		return nil, model.NewAuthError(model.AuthCodeUserNotFound, nil)
	}

	if err := bcrypt.CompareHashAndPassword(user.passwordHash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, model.NewAuthError(model.AuthCodeWrongPassword, nil)
		}
		return nil, model.NewAuthError(model.AuthCodeInternal, err)
	}

	return p.signIn(user)
}

// Logout は現在のセッションを破棄する。
func (p *LocalProvider) Logout(ctx context.Context) error {
	p.set(nil)
	return nil
}

// OnSessionChanged はセッション変化の通知を登録する。
func (p *LocalProvider) OnSessionChanged(fn func(*model.Session)) func() {
	return p.subscribe(fn)
}

// Current は現在のセッションを返す。
func (p *LocalProvider) Current() *model.Session {
	return p.session()
}

func (p *LocalProvider) signIn(user *localUser) (*model.Session, error) {
	now := p.now()
	expiresAt := now.Add(p.config.SessionTTL)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user.id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(p.config.SigningKey)
	if err != nil {
		return nil, model.NewAuthError(model.AuthCodeInternal, fmt.Errorf("failed to sign token: %w", err))
	}

	session := &model.Session{
		UserID:    user.id,
		Email:     user.email,
		Token:     signed,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	p.set(session)

	return session, nil
}

// compile-time interface check
var _ Provider = (*LocalProvider)(nil)
