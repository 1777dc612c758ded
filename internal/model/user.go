// Package model はドメインモデルを定義する。
package model

import "time"

// Session は認証済みのアイデンティティを表す。
// 未認証状態はnilの*Sessionで表現する。
type Session struct {
	UserID    string
	Email     string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired は指定時刻時点でセッションが期限切れかどうかを返す。
// ExpiresAtがゼロ値の場合は期限なしとして扱う。
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SameIdentity は2つのセッションが同一ユーザーを指すかどうかを返す。
// 両方nilの場合もtrueを返す。
func SameIdentity(a, b *Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UserID == b.UserID
}
