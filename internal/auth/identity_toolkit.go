package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"

	"github.com/hitoshi/taskman/internal/model"
)

const defaultIdentityEndpoint = "https://identitytoolkit.googleapis.com"

// RemoteConfig はIdentity Toolkit互換REST APIの設定。
type RemoteConfig struct {
	Endpoint string
	APIKey   string

	// BreakerMaxFailures 回連続でネットワーク障害が起きるとBreakerTimeoutの間リクエストを遮断する。
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// RemoteProvider はIdentity Toolkit互換のREST APIでメール/パスワード認証を行う。
// IDトークンの署名検証はプロバイダーに委ね、有効期限のみ読み取る。
type RemoteProvider struct {
	*sessionNotifier

	client  *http.Client
	config  RemoteConfig
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewRemoteProvider はRemoteProviderを生成する。
func NewRemoteProvider(client *http.Client, config RemoteConfig, logger *slog.Logger) *RemoteProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Endpoint == "" {
		config.Endpoint = defaultIdentityEndpoint
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	if config.BreakerMaxFailures == 0 {
		config.BreakerMaxFailures = 3
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 5 * time.Second
	}

	maxFailures := config.BreakerMaxFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "identity-provider",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &RemoteProvider{
		sessionNotifier: newSessionNotifier(),
		client:          client,
		config:          config,
		breaker:         breaker,
		logger:          logger,
	}
}

// identityRequest はsignUp/signInWithPasswordのリクエストボディ。
type identityRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

// identityResponse はsignUp/signInWithPasswordの成功レスポンス。
type identityResponse struct {
	IDToken      string `json:"idToken"`
	Email        string `json:"email"`
	LocalID      string `json:"localId"`
	ExpiresIn    string `json:"expiresIn"`
	RefreshToken string `json:"refreshToken"`
}

// identityErrorResponse はエラーレスポンス。
type identityErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Register は新規ユーザーを作成してサインインする。
func (p *RemoteProvider) Register(ctx context.Context, email, password string) (*model.Session, error) {
	return p.authenticate(ctx, "accounts:signUp", email, password)
}

// Login は既存ユーザーとしてサインインする。
func (p *RemoteProvider) Login(ctx context.Context, email, password string) (*model.Session, error) {
	return p.authenticate(ctx, "accounts:signInWithPassword", email, password)
}

// Logout はローカルのセッションを破棄する。IDトークンはサーバー側で失効させられないため期限まで有効のまま。
func (p *RemoteProvider) Logout(ctx context.Context) error {
	p.set(nil)
	return nil
}

// OnSessionChanged はセッション変化の通知を登録する。
func (p *RemoteProvider) OnSessionChanged(fn func(*model.Session)) func() {
	return p.subscribe(fn)
}

// Current は現在のセッションを返す。
func (p *RemoteProvider) Current() *model.Session {
	return p.session()
}

func (p *RemoteProvider) authenticate(ctx context.Context, method, email, password string) (*model.Session, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.call(ctx, method, identityRequest{
			Email:             email,
			Password:          password,
			ReturnSecureToken: true,
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, model.NewAuthError(model.AuthCodeNetworkFailed, err)
		}
		var authErr *model.AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, model.NewAuthError(model.AuthCodeNetworkFailed, err)
	}

	outcome := result.(*callOutcome)
	if outcome.apiError != nil {
		return nil, outcome.apiError
	}

	session := p.newSession(outcome.response)
	p.set(session)

	p.logger.Info("identity session established",
		slog.String("user_id", session.UserID),
		slog.String("method", method),
	)

	return session, nil
}

// callOutcome はブレーカーを通した呼び出し結果。
// 4xxの業務エラーはネットワーク障害として数えないため、errorではなくここで返す。
type callOutcome struct {
	response *identityResponse
	apiError *model.AuthError
}

func (p *RemoteProvider) call(ctx context.Context, method string, body identityRequest) (*callOutcome, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, model.NewAuthError(model.AuthCodeInternal, fmt.Errorf("failed to encode request: %w", err))
	}

	endpoint := fmt.Sprintf("%s/v1/%s?key=%s", p.config.Endpoint, method, url.QueryEscape(p.config.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, model.NewAuthError(model.AuthCodeInternal, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, model.NewAuthError(model.AuthCodeNetworkFailed, fmt.Errorf("identity request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.NewAuthError(model.AuthCodeNetworkFailed, fmt.Errorf("failed to read identity response: %w", err))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, model.NewAuthError(model.AuthCodeInternal,
			fmt.Errorf("identity provider returned status %d", resp.StatusCode))
	}

	if resp.StatusCode != http.StatusOK {
		var errResp identityErrorResponse
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &callOutcome{apiError: model.NewAuthError(model.AuthCodeInternal,
				fmt.Errorf("identity provider returned status %d", resp.StatusCode))}, nil
		}
		return &callOutcome{apiError: model.NewAuthError(
			mapIdentityError(errResp.Error.Message), errors.New(errResp.Error.Message),
		)}, nil
	}

	var idResp identityResponse
	if err := json.Unmarshal(data, &idResp); err != nil {
		return nil, model.NewAuthError(model.AuthCodeInternal, fmt.Errorf("failed to parse identity response: %w", err))
	}
	if idResp.LocalID == "" || idResp.IDToken == "" {
		return nil, model.NewAuthError(model.AuthCodeInternal, errors.New("empty localId or idToken in identity response"))
	}

	return &callOutcome{response: &idResp}, nil
}

// mapIdentityError はプロバイダーのエラーメッセージをエラーコードに変換する。
// メッセージは "WEAK_PASSWORD : Password should be at least 6 characters" の形式を取ることがある。
func mapIdentityError(message string) string {
	code, _, _ := strings.Cut(message, " ")
	switch code {
	case "EMAIL_EXISTS":
		return model.AuthCodeEmailAlreadyInUse
	case "INVALID_EMAIL":
		return model.AuthCodeInvalidEmail
	case "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS":
		return model.AuthCodeWrongPassword
	case "EMAIL_NOT_FOUND":
		return model.AuthCodeUserNotFound
	case "WEAK_PASSWORD":
		return model.AuthCodeWeakPassword
	default:
		return model.AuthCodeInternal
	}
}

func (p *RemoteProvider) newSession(resp *identityResponse) *model.Session {
	now := p.now()
	return &model.Session{
		UserID:    resp.LocalID,
		Email:     resp.Email,
		Token:     resp.IDToken,
		ExpiresAt: tokenExpiry(resp, now),
		CreatedAt: now,
	}
}

// tokenExpiry はIDトークンのexpクレームから有効期限を求める。
// トークンがJWTとして読めない場合はexpiresIn（秒）を使う。
func tokenExpiry(resp *identityResponse, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.IDToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	if secs, err := strconv.Atoi(resp.ExpiresIn); err == nil && secs > 0 {
		return now.Add(time.Duration(secs) * time.Second)
	}
	return time.Time{}
}

// compile-time interface check
var _ Provider = (*RemoteProvider)(nil)
