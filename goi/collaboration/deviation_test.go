package collaboration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/goi/goi"
)

func plan(items ...goi.TodoItem) *goi.TodoList {
	return &goi.TodoList{ID: "l1", Items: items}
}

func item(id string, status goi.TodoStatus, required bool) goi.TodoItem {
	return goi.TodoItem{ID: id, Content: id, Status: status, Required: required}
}

func TestDetectDeviation(t *testing.T) {
	tests := []struct {
		name     string
		plan     *goi.TodoList
		actions  []TrackedAction
		want     DeviationType
		blocking bool
		issues   int
	}{
		{
			name:    "in order",
			plan:    plan(item("a", goi.TodoCompleted, true), item("b", goi.TodoCompleted, false), item("c", goi.TodoPending, true)),
			actions: []TrackedAction{{ItemID: "a"}, {ItemID: "b"}, {Kind: "note"}},
			want:    DeviationNone,
		},
		{
			name:   "optional skipped",
			plan:   plan(item("a", goi.TodoSkipped, false), item("b", goi.TodoCompleted, false)),
			want:   DeviationPartial,
			issues: 1,
		},
		{
			name:    "out of order",
			plan:    plan(item("a", goi.TodoCompleted, false), item("b", goi.TodoCompleted, false)),
			actions: []TrackedAction{{ItemID: "b"}, {ItemID: "a"}},
			want:    DeviationPartial,
			issues:  1,
		},
		{
			name:     "required bypassed",
			plan:     plan(item("a", goi.TodoPending, true), item("b", goi.TodoCompleted, false)),
			actions:  []TrackedAction{{ItemID: "b"}},
			want:     DeviationCritical,
			blocking: true,
			issues:   1,
		},
		{
			name:     "unknown item",
			plan:     plan(item("a", goi.TodoPending, false)),
			actions:  []TrackedAction{{ItemID: "ghost", Kind: "complete_item"}},
			want:     DeviationCritical,
			blocking: true,
			issues:   1,
		},
		{
			name: "nil plan",
			want: DeviationNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DetectDeviation(tt.plan, tt.actions)
			assert.Equal(t, tt.want, d.Type)
			assert.Equal(t, tt.blocking, d.IsBlocking)
			assert.Len(t, d.Issues, tt.issues)
		})
	}
}

func TestDeviation_Errors(t *testing.T) {
	d := DetectDeviation(
		plan(item("a", goi.TodoPending, true), item("b", goi.TodoPending, false), item("c", goi.TodoCompleted, false)),
		[]TrackedAction{{ItemID: "c"}, {ItemID: "zzz"}},
	)
	assert.Equal(t, 2, d.Errors())
	assert.Len(t, d.Issues, 3)
}
