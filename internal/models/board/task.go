package board

import (
	"time"
)

type Priority string

const PriorityLow Priority = "low"
const PriorityMedium Priority = "medium"
const PriorityHigh Priority = "high"

const DateLayout = "2006-01-02"

type Tag struct {
	Title string `json:"title" validate:"required"`
	Color string `json:"color"`
}

type ChecklistItem struct {
	Text string `json:"text" validate:"required"`
	Done bool   `json:"done"`
}

type Task struct {
	ID       string  `json:"id"`
	BoardID  string  `json:"boardId" validate:"required"`
	ColumnID string  `json:"columnId" validate:"required"`
	Position float64 `json:"position"`

	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority" validate:"oneof=low medium high"`
	DueDate     string   `json:"dueDate,omitempty" validate:"omitempty,isodate"`
	// устаревшее поле: минуты от момента создания, только для чтения старых документов
	Deadline *int `json:"deadline,omitempty" validate:"omitempty,min=0"`

	AssigneeID     string          `json:"assigneeId,omitempty"`
	Mentions       []string        `json:"mentions"`
	Checklist      []ChecklistItem `json:"checklist" validate:"dive"`
	TimeLoggedMins int             `json:"timeLoggedMins" validate:"min=0"`
	Tags           []Tag           `json:"tags" validate:"dive"`

	CreatedBy string `json:"createdBy,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Version   int64  `json:"version"`
}

// DueAt возвращает срок задачи. ISO-дата важнее устаревших минут, если заданы оба.
func (t Task) DueAt() (time.Time, bool) {
	if t.DueDate != "" {
		if due, err := ParseDate(t.DueDate); err == nil {
			return due, true
		}
	}
	if t.Deadline != nil && t.CreatedAt > 0 {
		return time.UnixMilli(t.CreatedAt).Add(time.Duration(*t.Deadline) * time.Minute), true
	}
	return time.Time{}, false
}

func (t Task) Mentioned(uid string) bool {
	for _, m := range t.Mentions {
		if m == uid {
			return true
		}
	}
	return false
}

func (t Task) ChecklistDone() int {
	done := 0
	for _, item := range t.Checklist {
		if item.Done {
			done++
		}
	}
	return done
}

// ParseDate принимает и голую дату, и полный RFC3339
func ParseDate(value string) (time.Time, error) {
	if due, err := time.Parse(DateLayout, value); err == nil {
		return due, nil
	}
	return time.Parse(time.RFC3339, value)
}

func ValidPriority(p Priority) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}
