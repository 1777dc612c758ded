// Package presenter はタスクミラーから表示用のリストを導出する。
package presenter

import (
	"cmp"
	"slices"
	"strings"

	"github.com/hitoshi/taskman/internal/model"
)

// CategoryAll はカテゴリで絞り込まないことを表す選択値。
const CategoryAll = "all"

// Criteria は表示リストの絞り込み条件。
type Criteria struct {
	SearchText string
	// Category が空文字列またはCategoryAllの場合は絞り込まない。
	Category string
}

func (c Criteria) categoryFilter() (model.Category, bool) {
	if c.Category == "" || strings.EqualFold(c.Category, CategoryAll) {
		return "", false
	}
	return model.Category(c.Category), true
}

// Apply は検索・カテゴリ絞り込み・優先度順の並び替えを行った新しいスライスを返す。
// 入力は変更しない。同じ優先度のタスクは入力の順序を保つ。
func Apply(tasks []model.Task, criteria Criteria) []model.Task {
	needle := strings.ToLower(criteria.SearchText)
	category, filterCategory := criteria.categoryFilter()

	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if needle != "" &&
			!strings.Contains(strings.ToLower(t.Title), needle) &&
			!strings.Contains(strings.ToLower(t.Description), needle) {
			continue
		}
		if filterCategory && t.Category != category {
			continue
		}
		out = append(out, t)
	}

	slices.SortStableFunc(out, func(a, b model.Task) int {
		return cmp.Compare(b.Priority.Rank(), a.Priority.Rank())
	})
	return out
}
