package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConfirmOptions то, что видит пользователь в окне подтверждения
type ConfirmOptions struct {
	Title       string
	Message     string
	ConfirmText string
	Variant     string
}

// ConfirmFunc подтверждение разрушительного действия, предоставляется вызывающей стороной
type ConfirmFunc func(ctx context.Context, opts ConfirmOptions) bool

// AlwaysConfirm для вызывающих, которые уже получили согласие пользователя
func AlwaysConfirm(context.Context, ConfirmOptions) bool { return true }

type MembershipService struct {
	store    repo.Store
	activity ActivityRecorder
	now      clock
}

func NewMembershipService(store repo.Store, activity ActivityRecorder) *MembershipService {
	if activity == nil {
		activity = nopRecorder{}
	}
	return &MembershipService{
		store:    store,
		activity: activity,
		now:      time.Now,
	}
}

// Invite создаёт приглашение. Повторное приглашение того же адреса возвращает уже ожидающее.
func (s *MembershipService) Invite(ctx context.Context, actor board.User, boardID, email string, role board.Role) (board.Invite, error) {
	if err := requireActor(actor); err != nil {
		return board.Invite{}, err
	}
	email = schema.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return board.Invite{}, NewValidationError("email", "ожидается адрес электронной почты")
	}
	if role == "" {
		role = board.RoleMember
	}
	if err := AssignableRole(role); err != nil {
		return board.Invite{}, err
	}

	var (
		invite  board.Invite
		created bool
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		b, err := loadBoard(ctx, tx, boardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionInvite, nil); err != nil {
			return err
		}

		members, err := listMembers(ctx, tx, boardID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.Email == email {
				return NewAlreadyMember(email)
			}
		}

		docs, err := tx.Find(ctx, repo.Where(repo.Invites, "boardId", boardID).
			And("invitedEmail", email).
			And("status", string(board.InvitePending)))
		if err != nil {
			return err
		}
		pending, decodeErr := schema.DecodeMany(docs, schema.DecodeInvite)
		logSkipped("приглашения", boardID, decodeErr)
		if len(pending) > 0 {
			invite = pending[0]
			return nil
		}

		invite = board.Invite{
			ID:            uuid.NewString(),
			BoardID:       boardID,
			BoardName:     b.Name,
			InvitedEmail:  email,
			InvitedBy:     actor.UID,
			InvitedByName: actor.Label(),
			Role:          role,
			Status:        board.InvitePending,
			CreatedAt:     nowMillis(s.now),
		}
		if err := schema.Validate(invite); err != nil {
			return NewValidationError("invite", err.Error())
		}
		created = true
		return tx.Set(ctx, repo.Invites, invite.ID, invite)
	})
	if err != nil {
		return board.Invite{}, storeError(err, "доска", boardID)
	}

	if created {
		s.activity.Record(boardID, actor.Label(), fmt.Sprintf("invited %s", email))
		logger.Info("Service: Приглашение создано",
			zap.String("invite_id", invite.ID),
			zap.String("board_id", boardID))
	}
	return invite, nil
}

// Accept переводит pending -> accepted и создаёт запись участника одной транзакцией.
// Проигравший в гонке получает ALREADY_RESOLVED, второй записи участника не появляется.
func (s *MembershipService) Accept(ctx context.Context, user board.User, inviteID string) (board.Member, error) {
	if err := requireActor(user); err != nil {
		return board.Member{}, err
	}

	var member board.Member
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		inv, err := s.pendingInvite(ctx, tx, user, inviteID)
		if err != nil {
			return err
		}
		b, err := loadBoard(ctx, tx, inv.BoardID)
		if err != nil {
			return err
		}

		now := nowMillis(s.now)
		existing, err := findMember(ctx, tx, b.ID, user.UID)
		if err != nil {
			return err
		}
		if existing != nil {
			member = *existing
		} else {
			member = board.Member{
				ID:          board.MemberID(b.ID, user.UID),
				BoardID:     b.ID,
				UID:         user.UID,
				DisplayName: user.Label(),
				Email:       schema.NormalizeEmail(user.Email),
				Role:        board.RoleMember,
				JoinedAt:    now,
			}
			if err := tx.Set(ctx, repo.Members, member.ID, member); err != nil {
				return err
			}
		}

		return tx.Update(ctx, repo.Invites, inviteID, repo.Patch{
			"status":      string(board.InviteAccepted),
			"respondedAt": now,
		})
	})
	if err != nil {
		logger.Warn("Service: Приглашение не принято",
			zap.String("invite_id", inviteID),
			zap.Error(err))
		return board.Member{}, storeError(err, "приглашение", inviteID)
	}

	s.activity.Record(member.BoardID, user.Label(), "joined the board")
	logger.Info("Service: Приглашение принято",
		zap.String("invite_id", inviteID),
		zap.String("member_id", member.ID))
	return member, nil
}

// Decline только меняет статус; повторный вызов получает ALREADY_RESOLVED
func (s *MembershipService) Decline(ctx context.Context, user board.User, inviteID string) error {
	if err := requireActor(user); err != nil {
		return err
	}
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		if _, err := s.pendingInvite(ctx, tx, user, inviteID); err != nil {
			return err
		}
		return tx.Update(ctx, repo.Invites, inviteID, repo.Patch{
			"status":      string(board.InviteDeclined),
			"respondedAt": nowMillis(s.now),
		})
	})
	if err != nil {
		return storeError(err, "приглашение", inviteID)
	}
	logger.Info("Service: Приглашение отклонено", zap.String("invite_id", inviteID))
	return nil
}

func (s *MembershipService) pendingInvite(ctx context.Context, tx repo.Tx, user board.User, inviteID string) (board.Invite, error) {
	doc, err := tx.Get(ctx, repo.Invites, inviteID)
	if err != nil {
		return board.Invite{}, storeError(err, "приглашение", inviteID)
	}
	inv, err := schema.DecodeInvite(doc)
	if err != nil {
		return board.Invite{}, fmt.Errorf("приглашение %s: %w", inviteID, err)
	}
	if inv.Resolved() {
		return board.Invite{}, NewAlreadyResolved(inviteID, string(inv.Status))
	}
	if !strings.EqualFold(inv.InvitedEmail, strings.TrimSpace(user.Email)) {
		return board.Invite{}, NewForbidden("приглашение выписано на другой адрес")
	}
	return inv, nil
}

// UpdateRole меняет роль участника. Только владелец, владельца понизить нельзя.
func (s *MembershipService) UpdateRole(ctx context.Context, actor board.User, memberID string, role board.Role) (board.Member, error) {
	if err := requireActor(actor); err != nil {
		return board.Member{}, err
	}
	if err := AssignableRole(role); err != nil {
		return board.Member{}, err
	}

	var (
		member  board.Member
		changed bool
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		m, err := loadMemberByID(ctx, tx, memberID)
		if err != nil {
			return err
		}
		b, err := loadBoard(ctx, tx, m.BoardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionChangeRole, &m); err != nil {
			return err
		}
		member = m
		if m.Role == role {
			return nil
		}
		member.Role = role
		changed = true
		return tx.Update(ctx, repo.Members, memberID, repo.Patch{"role": string(role)})
	})
	if err != nil {
		return board.Member{}, storeError(err, "участник", memberID)
	}

	if changed {
		s.activity.Record(member.BoardID, actor.Label(),
			fmt.Sprintf("changed %s's role to %s", member.DisplayName, board.RoleLabel(role)))
	}
	return member, nil
}

// RemoveMember удаляет участника и снимает его со всех задач доски.
// confirm вызывается только если у актора есть право на удаление.
func (s *MembershipService) RemoveMember(ctx context.Context, actor board.User, memberID string, confirm ConfirmFunc) error {
	if err := requireActor(actor); err != nil {
		return err
	}

	target, err := loadMemberByID(ctx, s.store, memberID)
	if err != nil {
		return err
	}
	b, err := loadBoard(ctx, s.store, target.BoardID)
	if err != nil {
		return err
	}
	if err := authorize(ctx, s.store, b, actor, ActionRemoveMember, &target); err != nil {
		return err
	}

	name := target.DisplayName
	if name == "" {
		name = target.Email
	}
	opts := ConfirmOptions{
		Title:       fmt.Sprintf("Remove %s?", name),
		Message:     "They will lose access to this board and its tasks.",
		ConfirmText: "Remove member",
		Variant:     "danger",
	}
	if confirm == nil || !confirm(ctx, opts) {
		return NewCancelled("remove_member")
	}

	detached := 0
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx repo.Tx) error {
		// между подтверждением и транзакцией всё могло измениться
		m, err := loadMemberByID(ctx, tx, memberID)
		if err != nil {
			return err
		}
		b, err := loadBoard(ctx, tx, m.BoardID)
		if err != nil {
			return err
		}
		if err := authorize(ctx, tx, b, actor, ActionRemoveMember, &m); err != nil {
			return err
		}

		docs, err := tx.Find(ctx, repo.Where(repo.Tasks, "boardId", b.ID).And("assigneeId", m.UID))
		if err != nil {
			return err
		}
		tasks, decodeErr := schema.DecodeMany(docs, schema.DecodeTask)
		logSkipped("задачи", b.ID, decodeErr)
		now := nowMillis(s.now)
		for _, t := range tasks {
			if err := tx.Update(ctx, repo.Tasks, t.ID, repo.Patch{
				"assigneeId": nil,
				"version":    t.Version + 1,
				"updatedAt":  now,
			}); err != nil {
				return err
			}
		}
		detached = len(tasks)
		return tx.Delete(ctx, repo.Members, memberID)
	})
	if err != nil {
		logger.Warn("Service: Участник не удалён",
			zap.String("member_id", memberID),
			zap.Error(err))
		return storeError(err, "участник", memberID)
	}

	s.activity.Record(target.BoardID, actor.Label(), fmt.Sprintf("removed %s from the board", name))
	logger.Info("Service: Участник удалён",
		zap.String("member_id", memberID),
		zap.Int("detached_tasks", detached))
	return nil
}

// ListMembers участники доски с ролью, которую видят все экраны
func (s *MembershipService) ListMembers(ctx context.Context, actor board.User, boardID string) ([]board.Member, error) {
	b, err := loadBoard(ctx, s.store, boardID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, s.store, b, actor, ActionViewBoard, nil); err != nil {
		return nil, err
	}
	members, err := listMembers(ctx, s.store, boardID)
	if err != nil {
		return nil, err
	}
	return withEffectiveRoles(b, members), nil
}

// SubscribeMembers живой список участников; роли уже приведены к эффективным
func (s *MembershipService) SubscribeMembers(ctx context.Context, actor board.User, boardID string, onData func([]board.Member), onError func(error)) (*repo.Subscription, error) {
	b, err := loadBoard(ctx, s.store, boardID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, s.store, b, actor, ActionViewBoard, nil); err != nil {
		return nil, err
	}
	q := repo.Where(repo.Members, "boardId", boardID).Order("joinedAt", false)
	sub, err := s.store.Subscribe(ctx, q, func(docs []repo.Doc) {
		members, decodeErr := schema.DecodeMany(docs, schema.DecodeMember)
		logSkipped("участники", boardID, decodeErr)
		onData(withEffectiveRoles(b, members))
	}, func(err error) {
		onError(NewStoreUnavailable(err))
	})
	if err != nil {
		return nil, storeError(err, "участники доски", boardID)
	}
	return sub, nil
}

// ListInvitesForEmail ожидающие приглашения текущего пользователя
func (s *MembershipService) ListInvitesForEmail(ctx context.Context, user board.User) ([]board.Invite, error) {
	email := schema.NormalizeEmail(user.Email)
	if email == "" {
		return []board.Invite{}, nil
	}
	docs, err := s.store.Find(ctx, repo.Where(repo.Invites, "invitedEmail", email).
		And("status", string(board.InvitePending)).
		Order("createdAt", true))
	if err != nil {
		return nil, storeError(err, "приглашения", email)
	}
	invites, decodeErr := schema.DecodeMany(docs, schema.DecodeInvite)
	logSkipped("приглашения", "", decodeErr)
	return invites, nil
}

func withEffectiveRoles(b board.Board, members []board.Member) []board.Member {
	out := make([]board.Member, len(members))
	for i, m := range members {
		m.Role = EffectiveRole(b, m)
		out[i] = m
	}
	return out
}
