package editor

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/model"
)

// AuthMode は認証フォームのモード。
type AuthMode string

const (
	ModeLogin    AuthMode = "login"
	ModeRegister AuthMode = "register"
)

const minPasswordLength = 6

var emailPattern = regexp.MustCompile(`\S+@\S+\.\S+`)

// Authenticator は認証フォームの送信先。auth.Providerが実装する。
type Authenticator interface {
	Register(ctx context.Context, email, password string) (*model.Session, error)
	Login(ctx context.Context, email, password string) (*model.Session, error)
}

// AuthForm はメール/パスワードのログイン・登録フォーム。
type AuthForm struct {
	provider Authenticator
	metrics  metrics.MetricsCollector
	logger   *slog.Logger

	mu             sync.Mutex
	mode           AuthMode
	email          string
	password       string
	fieldErrors    map[string]model.FieldError
	operationError string
	submitting     bool
}

// NewAuthForm はログインモードのAuthFormを生成する。
func NewAuthForm(provider Authenticator, collector metrics.MetricsCollector, logger *slog.Logger) *AuthForm {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthForm{
		provider: provider,
		metrics:  collector,
		logger:   logger,
		mode:     ModeLogin,
	}
}

// Mode は現在のモードを返す。
func (f *AuthForm) Mode() AuthMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// SetMode はモードを切り替える。
func (f *AuthForm) SetMode(mode AuthMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

// ToggleMode はログインと登録を切り替え、切り替え後のモードを返す。
func (f *AuthForm) ToggleMode() AuthMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode == ModeRegister {
		f.mode = ModeLogin
	} else {
		f.mode = ModeRegister
	}
	return f.mode
}

// SetCredentials は入力値を設定する。
func (f *AuthForm) SetCredentials(email, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.email = email
	f.password = password
}

// FieldErrors は直近の検証エラーを返す。
func (f *AuthForm) FieldErrors() map[string]model.FieldError {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.FieldError, len(f.fieldErrors))
	for k, v := range f.fieldErrors {
		out[k] = v
	}
	return out
}

// OperationError は直近の認証失敗メッセージを返す。
func (f *AuthForm) OperationError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.operationError
}

// Submit は入力値を検証し、モードに応じて登録またはログインを行う。
// 検証エラーは両フィールド分をまとめて*model.ValidationErrorで返す。
// プロバイダーのエラーはそのまま返し、OperationErrorにユーザー向けメッセージを設定する。
func (f *AuthForm) Submit(ctx context.Context) (*model.Session, error) {
	f.mu.Lock()
	if f.submitting {
		f.mu.Unlock()
		return nil, ErrSubmitInProgress
	}

	verr := ValidateCredentials(f.email, f.password)
	if verr.HasErrors() {
		f.fieldErrors = verr.Fields
		f.mu.Unlock()
		return nil, verr
	}

	f.fieldErrors = nil
	f.operationError = ""
	f.submitting = true
	mode := f.mode
	email := strings.TrimSpace(f.email)
	password := f.password
	f.mu.Unlock()

	var session *model.Session
	var err error
	if mode == ModeRegister {
		session, err = f.provider.Register(ctx, email, password)
	} else {
		session, err = f.provider.Login(ctx, email, password)
	}
	f.metrics.RecordAuthAttempt(string(mode), err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitting = false

	if err != nil {
		f.operationError = model.AuthErrorMessage(err)
		f.logger.Info("authentication failed",
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return session, nil
}

// ValidateCredentials はメールアドレスとパスワードを検証する。
// 該当する全フィールドのエラーを返す。
func ValidateCredentials(email, password string) *model.ValidationError {
	verr := model.NewValidationError()

	switch {
	case strings.TrimSpace(email) == "":
		verr.Add(FieldEmail, model.EmptyField, "Email is required")
	case !emailPattern.MatchString(email):
		verr.Add(FieldEmail, model.InvalidFormat, "Invalid email format")
	}

	switch {
	case password == "":
		verr.Add(FieldPassword, model.EmptyField, "Password is required")
	case utf8.RuneCountInString(password) < minPasswordLength:
		verr.Add(FieldPassword, model.TooShort, "Password must be at least 6 characters")
	}

	return verr
}
