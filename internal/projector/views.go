package projector

import (
	"fmt"
	"sort"

	"boardSync/internal/models/board"
)

type SwimlaneMode string

const (
	SwimlaneNone     SwimlaneMode = "none"
	SwimlaneAssignee SwimlaneMode = "assignee"
	SwimlanePriority SwimlaneMode = "priority"
)

// ParseSwimlaneMode неизвестное значение означает отсутствие группировки
func ParseSwimlaneMode(value string) SwimlaneMode {
	switch SwimlaneMode(value) {
	case SwimlaneAssignee:
		return SwimlaneAssignee
	case SwimlanePriority:
		return SwimlanePriority
	}
	return SwimlaneNone
}

// Swimlane визуальная группа задач внутри колонки; в хранилище не существует
type Swimlane struct {
	Key   string       `json:"key"`
	Label string       `json:"label"`
	Tasks []board.Task `json:"tasks"`
}

const unassignedLane = "unassigned"

var priorityLanes = []string{string(board.PriorityHigh), string(board.PriorityMedium), string(board.PriorityLow), "none"}

// Swimlanes группирует задачи колонки. Порядок задач внутри группы сохраняется.
// По исполнителю группы идут в порядке участников, затем "Unassigned", затем
// исполнители, которых уже нет среди участников.
func Swimlanes(tasks []board.Task, mode SwimlaneMode, members []board.Member) []Swimlane {
	switch mode {
	case SwimlaneAssignee:
		return assigneeLanes(tasks, members)
	case SwimlanePriority:
		return priorityLanesOf(tasks)
	}
	return []Swimlane{{Key: "all", Label: "All tasks", Tasks: tasks}}
}

type laneSet struct {
	lanes map[string]*Swimlane
	seen  []string
}

func (ls *laneSet) push(key, label string, t board.Task) {
	if lane, ok := ls.lanes[key]; ok {
		lane.Tasks = append(lane.Tasks, t)
		return
	}
	ls.lanes[key] = &Swimlane{Key: key, Label: label, Tasks: []board.Task{t}}
	ls.seen = append(ls.seen, key)
}

func (ls *laneSet) ordered(preferred []string) []Swimlane {
	out := make([]Swimlane, 0, len(ls.lanes))
	used := make(map[string]bool, len(ls.lanes))
	for _, key := range preferred {
		if lane, ok := ls.lanes[key]; ok && !used[key] {
			out = append(out, *lane)
			used[key] = true
		}
	}
	for _, key := range ls.seen {
		if !used[key] {
			out = append(out, *ls.lanes[key])
			used[key] = true
		}
	}
	return out
}

func assigneeLanes(tasks []board.Task, members []board.Member) []Swimlane {
	names := make(map[string]string, len(members))
	preferred := make([]string, 0, len(members)+1)
	for _, m := range members {
		names[m.UID] = m.DisplayName
		preferred = append(preferred, m.UID)
	}
	preferred = append(preferred, unassignedLane)

	ls := &laneSet{lanes: make(map[string]*Swimlane)}
	for _, t := range tasks {
		key := t.AssigneeID
		label := names[key]
		switch {
		case key == "":
			key, label = unassignedLane, "Unassigned"
		case label == "":
			label = "Member"
		}
		ls.push(key, label, t)
	}
	return ls.ordered(preferred)
}

func priorityLanesOf(tasks []board.Task) []Swimlane {
	ls := &laneSet{lanes: make(map[string]*Swimlane)}
	for _, t := range tasks {
		key := string(t.Priority)
		if key == "" {
			key = "none"
		}
		ls.push(key, priorityLabel(key), t)
	}
	return ls.ordered(priorityLanes)
}

func priorityLabel(key string) string {
	switch key {
	case string(board.PriorityHigh):
		return "High"
	case string(board.PriorityMedium):
		return "Medium"
	case string(board.PriorityLow):
		return "Low"
	}
	return "None"
}

// CountText счётчик в заголовке колонки: отфильтрованные из всех, либо заполненность лимита
func CountText(view *ColumnView, visible int, filtering bool) string {
	total := len(view.Tasks)
	if filtering {
		return fmt.Sprintf("%d / %d", visible, total)
	}
	if view.Column.WipLimit != nil && *view.Column.WipLimit > 0 {
		return fmt.Sprintf("%d / %d", total, *view.Column.WipLimit)
	}
	return fmt.Sprint(total)
}

// WorkItem задача из "моей работы" вместе с названием колонки
type WorkItem struct {
	Task       board.Task `json:"task"`
	ColumnName string     `json:"columnName"`
	Mentioned  bool       `json:"mentioned"`
}

const DefaultMyWorkLimit = 6

// MyWork задачи, назначенные пользователю или упоминающие его, ближайший срок первым.
// Задачи без срока идут в конце, в порядке доски.
func MyWork(s *Snapshot, uid string, limit int) []WorkItem {
	if s == nil || uid == "" {
		return []WorkItem{}
	}
	if limit <= 0 {
		limit = DefaultMyWorkLimit
	}

	items := []WorkItem{}
	for _, colID := range s.Order {
		view := s.Columns[colID]
		for _, t := range view.Tasks {
			mentioned := t.Mentioned(uid)
			if t.AssigneeID != uid && !mentioned {
				continue
			}
			items = append(items, WorkItem{Task: t, ColumnName: view.Column.Name, Mentioned: mentioned})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		di, okI := items[i].Task.DueAt()
		dj, okJ := items[j].Task.DueAt()
		switch {
		case okI && okJ:
			return di.Before(dj)
		case okI != okJ:
			return okI
		}
		return false
	})

	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
