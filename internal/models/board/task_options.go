package board

// TaskOption изменяет задачу на месте, как и раньше
type TaskOption func(*Task)

// TaskFields поля новой задачи; колонка и позиция назначаются шлюзом
type TaskFields struct {
	Title          string
	Description    string
	Priority       Priority
	DueDate        string
	AssigneeID     string
	Mentions       []string
	Checklist      []ChecklistItem
	TimeLoggedMins int
	Tags           []Tag
}

// TaskPatch частичное обновление; nil означает "не трогать"
type TaskPatch struct {
	Title          *string
	Description    *string
	Priority       *Priority
	DueDate        *string
	AssigneeID     *string // пустая строка снимает исполнителя
	Mentions       *[]string
	Checklist      *[]ChecklistItem
	TimeLoggedMins *int
	Tags           *[]Tag
}

func (p TaskPatch) Empty() bool {
	return len(p.Options()) == 0
}

func (p TaskPatch) Options() []TaskOption {
	var opts []TaskOption
	if p.Title != nil {
		opts = append(opts, WithTitle(*p.Title))
	}
	if p.Description != nil {
		opts = append(opts, WithDescription(*p.Description))
	}
	if p.Priority != nil {
		opts = append(opts, WithPriority(*p.Priority))
	}
	if p.DueDate != nil {
		opts = append(opts, WithDueDate(*p.DueDate))
	}
	if p.AssigneeID != nil {
		opts = append(opts, WithAssignee(*p.AssigneeID))
	}
	if p.Mentions != nil {
		opts = append(opts, WithMentions(*p.Mentions))
	}
	if p.Checklist != nil {
		opts = append(opts, WithChecklist(*p.Checklist))
	}
	if p.TimeLoggedMins != nil {
		opts = append(opts, WithTimeLogged(*p.TimeLoggedMins))
	}
	if p.Tags != nil {
		opts = append(opts, WithTags(*p.Tags))
	}
	return opts
}

func (p TaskPatch) Apply(task *Task) {
	for _, opt := range p.Options() {
		opt(task)
	}
}

func WithTitle(title string) TaskOption {
	return func(task *Task) {
		task.Title = title
	}
}

func WithDescription(description string) TaskOption {
	return func(task *Task) {
		task.Description = description
	}
}

func WithPriority(priority Priority) TaskOption {
	return func(task *Task) {
		task.Priority = priority
	}
}

// новая дата всегда пишется в dueDate, устаревший deadline при этом сбрасывается
func WithDueDate(dueDate string) TaskOption {
	return func(task *Task) {
		task.DueDate = dueDate
		task.Deadline = nil
	}
}

func WithAssignee(uid string) TaskOption {
	return func(task *Task) {
		task.AssigneeID = uid
	}
}

func WithMentions(mentions []string) TaskOption {
	return func(task *Task) {
		task.Mentions = append([]string{}, mentions...)
	}
}

func WithChecklist(items []ChecklistItem) TaskOption {
	return func(task *Task) {
		task.Checklist = append([]ChecklistItem{}, items...)
	}
}

func WithTimeLogged(mins int) TaskOption {
	return func(task *Task) {
		task.TimeLoggedMins = mins
	}
}

func WithTags(tags []Tag) TaskOption {
	return func(task *Task) {
		task.Tags = append([]Tag{}, tags...)
	}
}
