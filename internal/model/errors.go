// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, store, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation       = "VALIDATION_FAILED"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeSaveFailed       = "SAVE_FAILED"
	ErrCodeTaskNotFound     = "TASK_NOT_FOUND"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeSubmitInProgress = "SUBMIT_IN_PROGRESS"
	ErrCodeSyncFailed       = "SYNC_FAILED"
)

// ErrNotAuthenticated はセッションがない状態でタスク操作を行った場合のエラー。
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrTaskNotFound はドキュメントが存在しない場合のエラー。
var ErrTaskNotFound = errors.New("task not found")

// --- ValidationError ---

// FieldErrorKind はフィールド検証エラーの種別。
type FieldErrorKind string

const (
	// EmptyField は空白のみ、または未入力のフィールド。
	EmptyField FieldErrorKind = "EmptyField"
	// InvalidFormat は形式が不正なフィールド。
	InvalidFormat FieldErrorKind = "InvalidFormat"
	// TooShort は最小長に満たないフィールド。
	TooShort FieldErrorKind = "TooShort"
)

// FieldError は1フィールド分の検証エラー。
type FieldError struct {
	Kind    FieldErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// ValidationError は送信前のローカル検証エラー。ネットワークには到達しない。
// 該当する全フィールドのエラーを同時に保持する。
type ValidationError struct {
	Fields map[string]FieldError
}

// NewValidationError は空のValidationErrorを生成する。
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]FieldError)}
}

// Add はフィールドエラーを追加する。
func (e *ValidationError) Add(field string, kind FieldErrorKind, message string) {
	e.Fields[field] = FieldError{Kind: kind, Message: message}
}

// HasErrors はエラーが1件以上あるかどうかを返す。
func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name].Kind))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// --- AuthError ---

// アイデンティティプロバイダーのエラーコード。
const (
	AuthCodeEmailAlreadyInUse = "auth/email-already-in-use"
	AuthCodeInvalidEmail      = "auth/invalid-email"
	AuthCodeWrongPassword     = "auth/wrong-password"
	AuthCodeUserNotFound      = "auth/user-not-found"
	AuthCodeWeakPassword      = "auth/weak-password"
	AuthCodeNetworkFailed     = "auth/network-request-failed"
	AuthCodeInternal          = "auth/internal-error"
)

// AuthError はアイデンティティプロバイダーが返すコード付きエラー。
type AuthError struct {
	Code string
	Err  error
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(code string, err error) *AuthError {
	return &AuthError{Code: code, Err: err}
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// AuthErrorMessage はプロバイダーのエラーをユーザー向けメッセージに変換する。
// 未定義のコードやAuthError以外のエラーは汎用のネットワークエラーに集約する。
func AuthErrorMessage(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		switch authErr.Code {
		case AuthCodeEmailAlreadyInUse:
			return "This email is already in use."
		case AuthCodeInvalidEmail:
			return "Invalid email format."
		case AuthCodeWrongPassword:
			return "Incorrect password."
		}
	}
	return "Network error, please try again."
}

// --- StoreError ---

// StoreError はドキュメントストア操作（create/update/delete/subscribe）の失敗。
// リトライは行わず、呼び出し元にそのまま返す。
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError はStoreErrorを生成する。
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

// Error はerrorインターフェースを実装する。
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *StoreError) Unwrap() error {
	return e.Err
}

// SaveErrorMessage はタスク保存失敗時のユーザー向けメッセージ。
const SaveErrorMessage = "Error while saving the task. Please try again."

// SyncErrorMessage はタスクの購読が失われた場合のユーザー向けメッセージ。
const SyncErrorMessage = "Could not load your tasks. Please try again."

// NewSyncFailedError はタスク購読の失敗エラーを生成する。
func NewSyncFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncFailed,
		Message:  SyncErrorMessage,
		Category: "store",
		Action:   "Reload the task list.",
	}
}

// NewNotAuthenticatedError は未認証エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "Not authenticated.",
		Category: "auth",
		Action:   "Please log in again.",
	}
}

// NewAuthFailedError は認証失敗エラーを生成する。
func NewAuthFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewSaveFailedError はストア書き込み失敗エラーを生成する。
func NewSaveFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSaveFailed,
		Message:  SaveErrorMessage,
		Category: "store",
		Action:   "Your input has been kept. Please retry.",
	}
}

// NewTaskNotFoundError はタスク未検出エラーを生成する。
func NewTaskNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeTaskNotFound,
		Message:  fmt.Sprintf("Task not found: %s", taskID),
		Category: "store",
		Action:   "Reload the task list.",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Fix the request and try again.",
	}
}

// NewSubmitInProgressError は同じフォームの二重送信エラーを生成する。
func NewSubmitInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeSubmitInProgress,
		Message:  "A save is already in progress.",
		Category: "validation",
		Action:   "Wait for the current save to finish.",
	}
}
