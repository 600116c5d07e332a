package board

type InviteStatus string

const InvitePending InviteStatus = "pending"
const InviteAccepted InviteStatus = "accepted"
const InviteDeclined InviteStatus = "declined"

type Invite struct {
	ID            string       `json:"id"`
	BoardID       string       `json:"boardId" validate:"required"`
	BoardName     string       `json:"boardName,omitempty"`
	InvitedEmail  string       `json:"invitedEmail" validate:"required,email"`
	InvitedBy     string       `json:"invitedBy,omitempty"`
	InvitedByName string       `json:"invitedByName"`
	Role          Role         `json:"role" validate:"oneof=owner admin member"`
	Status        InviteStatus `json:"status" validate:"oneof=pending accepted declined"`
	CreatedAt     int64        `json:"createdAt"`
	RespondedAt   int64        `json:"respondedAt,omitempty"`
}

// Resolved принятое или отклонённое приглашение больше не меняется
func (i Invite) Resolved() bool {
	return i.Status != InvitePending
}

type ActivityEntry struct {
	ID        string `json:"id"`
	BoardID   string `json:"boardId" validate:"required"`
	ActorName string `json:"actorName"`
	Message   string `json:"message" validate:"required"`
	CreatedAt int64  `json:"createdAt"`
}
