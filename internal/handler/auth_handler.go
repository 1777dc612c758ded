// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/taskman/internal/editor"
	"github.com/hitoshi/taskman/internal/middleware"
	"github.com/hitoshi/taskman/internal/model"
)

// AuthService は認証ハンドラーが必要とするサービスインターフェース。
type AuthService interface {
	Session() *model.Session
	Authenticate(ctx context.Context, mode editor.AuthMode, email, password string) (*model.Session, error)
	Logout(ctx context.Context) error
	// SyncError は現在のユーザーのタスク購読が失われている場合にその原因を返す。
	SyncError() error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// AuthHandler はメール/パスワード認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthService
	config  AuthHandlerConfig
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthService, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		service: service,
		config:  config,
		logger:  logger,
	}
}

// credentialsRequest はログイン・登録リクエストのボディ。
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// sessionResponse は認証済みセッションのレスポンス。
type sessionResponse struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	// SyncError はログインは成功したがタスクを読み込めなかった場合のメッセージ。
	SyncError string `json:"sync_error,omitempty"`
}

// Login は既存ユーザーとしてサインインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.authenticate(w, r, editor.ModeLogin, http.StatusOK)
}

// Register は新規ユーザーを作成してサインインする。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	h.authenticate(w, r, editor.ModeRegister, http.StatusCreated)
}

func (h *AuthHandler) authenticate(w http.ResponseWriter, r *http.Request, mode editor.AuthMode, status int) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("malformed JSON body"))
		return
	}

	session, err := h.service.Authenticate(r.Context(), mode, req.Email, req.Password)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.Token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, status, sessionResponse{
		UserID:    session.UserID,
		Email:     session.Email,
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
		SyncError: h.syncErrorMessage(),
	})
}

// writeAuthError は認証フォームのエラーをHTTPレスポンスに変換する。
func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		middleware.WriteValidationError(w, verr)
		return
	}

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		h.logger.Error("unexpected authentication error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	status := http.StatusUnauthorized
	switch authErr.Code {
	case model.AuthCodeEmailAlreadyInUse:
		status = http.StatusConflict
	case model.AuthCodeNetworkFailed, model.AuthCodeInternal:
		status = http.StatusBadGateway
	}
	middleware.WriteErrorResponse(w, status, model.NewAuthFailedError(model.AuthErrorMessage(err)))
}

// Logout はセッションを破棄し、セッションCookieをクリアする。
// 失敗した場合はセッションとCookieをそのまま残す。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		h.logger.Error("failed to logout", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     "LOGOUT_FAILED",
			Message:  "Failed to log out.",
			Category: "auth",
			Action:   "Please try again.",
		})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。トークンは含めない。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session := h.service.Session()
	if session == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:    session.UserID,
		Email:     session.Email,
		ExpiresAt: session.ExpiresAt,
		SyncError: h.syncErrorMessage(),
	})
}

func (h *AuthHandler) syncErrorMessage() string {
	if err := h.service.SyncError(); err != nil {
		h.logger.Warn("session has no task subscription", slog.String("error", err.Error()))
		return model.SyncErrorMessage
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
