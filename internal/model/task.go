// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// Priority はタスクの優先度を表す。
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// DefaultPriority はフォーム初期値の優先度。
const DefaultPriority = PriorityMedium

// Rank は並び替え用の優先度ランクを返す（High:3, Medium:2, Low:1）。
// 未知の値は0として最後尾に回る。
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid は定義済みの優先度かどうかを返す。
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// ParsePriority は文字列を優先度に変換する。大文字小文字は区別しない。
// 空文字列はDefaultPriorityになる。
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultPriority, nil
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority: %q", s)
	}
}

// Category はタスクのカテゴリを表す。
type Category string

const (
	CategoryWork     Category = "Work"
	CategoryPersonal Category = "Personal"
	CategorySchool   Category = "School"
)

// DefaultCategory はフォーム初期値のカテゴリ。
const DefaultCategory = CategoryPersonal

// Valid は定義済みのカテゴリかどうかを返す。
func (c Category) Valid() bool {
	switch c {
	case CategoryWork, CategoryPersonal, CategorySchool:
		return true
	default:
		return false
	}
}

// ParseCategory は文字列をカテゴリに変換する。大文字小文字は区別しない。
// 空文字列はDefaultCategoryになる。
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultCategory, nil
	case "work":
		return CategoryWork, nil
	case "personal":
		return CategoryPersonal, nil
	case "school":
		return CategorySchool, nil
	default:
		return "", fmt.Errorf("unknown category: %q", s)
	}
}

// Task はユーザーのタスク1件を表す。
// IDはドキュメントストアが採番し、OwnerIDとCreatedAtは作成時に確定する。
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    Priority  `json:"priority"`
	Category    Category  `json:"category"`
	Completed   bool      `json:"completed"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TaskDraft はエディタから送信される作成・更新用のペイロード。
type TaskDraft struct {
	Title       string
	Description string
	Priority    Priority
	Category    Category
	Completed   bool
}

// TaskPatch はドキュメント更新のフィールド集合。
// nilフィールドは変更せず、既存の値を維持する。
type TaskPatch struct {
	Title       *string
	Description *string
	Priority    *Priority
	Category    *Category
	Completed   *bool
}

// FullPatch はドラフトの全フィールドを置き換えるパッチを返す。
func (d TaskDraft) FullPatch() TaskPatch {
	return TaskPatch{
		Title:       &d.Title,
		Description: &d.Description,
		Priority:    &d.Priority,
		Category:    &d.Category,
		Completed:   &d.Completed,
	}
}

// CompletionPatch はcompletedのみを更新するパッチを返す。
func CompletionPatch(completed bool) TaskPatch {
	return TaskPatch{Completed: &completed}
}

// IsEmpty は更新対象のフィールドが1つもない場合にtrueを返す。
func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil &&
		p.Category == nil && p.Completed == nil
}

// Apply はパッチをタスクに適用する。ID・OwnerID・CreatedAtは変更しない。
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
}
