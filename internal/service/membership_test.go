package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"
	"boardSync/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type MembershipSuite struct {
	suite.Suite
	f *fixture
}

func (s *MembershipSuite) SetupTest() {
	s.f = newFixture(s.T())
}

func (s *MembershipSuite) invite(email string) board.Invite {
	inv, err := s.f.members.Invite(s.f.ctx, owner, s.f.board.ID, email, "")
	s.Require().NoError(err)
	return inv
}

func (s *MembershipSuite) inviteStatus(id string) board.InviteStatus {
	doc, err := s.f.store.Get(s.f.ctx, repo.Invites, id)
	s.Require().NoError(err)
	inv, err := schema.DecodeInvite(doc)
	s.Require().NoError(err)
	return inv.Status
}

func (s *MembershipSuite) memberCount(uid string) int {
	docs, err := s.f.store.Find(s.f.ctx, repo.Where(repo.Members, "boardId", s.f.board.ID).And("uid", uid))
	s.Require().NoError(err)
	return len(docs)
}

func (s *MembershipSuite) TestInvite_NormalizesAndIsIdempotent() {
	first := s.invite("  Bob@Example.COM ")
	second := s.invite("bob@example.com")

	s.Equal("bob@example.com", first.InvitedEmail)
	s.Equal(board.RoleMember, first.Role)
	s.Equal(board.InvitePending, first.Status)
	s.Equal(first.ID, second.ID)
	s.Equal(1, countMessages(s.f.activity.all(), "Olga: invited bob@example.com"))
}

func (s *MembershipSuite) TestInvite_Rejections() {
	_, err := s.f.members.Invite(s.f.ctx, owner, s.f.board.ID, "not-an-email", "")
	s.ErrorIs(err, service.ErrValidation)

	_, err = s.f.members.Invite(s.f.ctx, owner, s.f.board.ID, "x@example.com", board.RoleOwner)
	s.ErrorIs(err, service.ErrForbidden)

	_, err = s.f.members.Invite(s.f.ctx, owner, s.f.board.ID, "x@example.com", board.RoleAdmin)
	s.ErrorIs(err, service.ErrValidation)

	s.f.join(s.T(), bob)
	_, err = s.f.members.Invite(s.f.ctx, owner, s.f.board.ID, bob.Email, "")
	s.ErrorIs(err, service.ErrAlreadyMember)

	// обычный участник не приглашает
	_, err = s.f.members.Invite(s.f.ctx, bob, s.f.board.ID, "x@example.com", "")
	s.ErrorIs(err, service.ErrForbidden)
}

func (s *MembershipSuite) TestAccept_ThenAlreadyResolved() {
	inv := s.invite(bob.Email)

	member, err := s.f.members.Accept(s.f.ctx, bob, inv.ID)
	s.Require().NoError(err)

	s.Equal(board.MemberID(s.f.board.ID, bob.UID), member.ID)
	s.Equal(board.RoleMember, member.Role)
	s.Equal(board.InviteAccepted, s.inviteStatus(inv.ID))
	s.Contains(s.f.activity.all(), "Bob: joined the board")

	_, err = s.f.members.Accept(s.f.ctx, bob, inv.ID)
	s.ErrorIs(err, service.ErrAlreadyResolved)
	s.Equal(1, s.memberCount(bob.UID))
}

func (s *MembershipSuite) TestAccept_WrongEmail() {
	inv := s.invite(bob.Email)

	_, err := s.f.members.Accept(s.f.ctx, outsider, inv.ID)

	s.ErrorIs(err, service.ErrForbidden)
	s.Equal(board.InvitePending, s.inviteStatus(inv.ID))
	s.Equal(0, s.memberCount(outsider.UID))
}

func (s *MembershipSuite) TestAccept_Concurrent() {
	inv := s.invite(bob.Email)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		resolved int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.f.members.Accept(context.Background(), bob, inv.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case assert.ErrorIs(s.T(), err, service.ErrAlreadyResolved):
				resolved++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, accepted)
	s.Equal(7, resolved)
	s.Equal(1, s.memberCount(bob.UID))
}

func (s *MembershipSuite) TestDecline_SecondCallAlreadyResolved() {
	inv := s.invite(bob.Email)

	s.Require().NoError(s.f.members.Decline(s.f.ctx, bob, inv.ID))
	s.Equal(board.InviteDeclined, s.inviteStatus(inv.ID))

	s.ErrorIs(s.f.members.Decline(s.f.ctx, bob, inv.ID), service.ErrAlreadyResolved)
	s.Equal(board.InviteDeclined, s.inviteStatus(inv.ID))

	_, err := s.f.members.Accept(s.f.ctx, bob, inv.ID)
	s.ErrorIs(err, service.ErrAlreadyResolved)
	s.Equal(0, s.memberCount(bob.UID))
}

func (s *MembershipSuite) TestListInvitesForEmail() {
	inv := s.invite(bob.Email)
	s.invite("carol@example.com")

	invites, err := s.f.members.ListInvitesForEmail(s.f.ctx, board.User{UID: "bob", Email: "BOB@example.com"})
	s.Require().NoError(err)
	s.Require().Len(invites, 1)
	s.Equal(inv.ID, invites[0].ID)

	_, err = s.f.members.Accept(s.f.ctx, bob, inv.ID)
	s.Require().NoError(err)
	invites, err = s.f.members.ListInvitesForEmail(s.f.ctx, bob)
	s.Require().NoError(err)
	s.Empty(invites)
}

func (s *MembershipSuite) TestRemoveMember_UnassignsTasks() {
	member := s.f.join(s.T(), bob)
	task, err := s.f.tasks.CreateTask(s.f.ctx, owner, s.f.board.ID, s.f.columns[0].ID,
		board.TaskFields{Title: "Owned by Bob", AssigneeID: bob.UID})
	s.Require().NoError(err)

	var prompt service.ConfirmOptions
	err = s.f.members.RemoveMember(s.f.ctx, owner, member.ID, func(_ context.Context, opts service.ConfirmOptions) bool {
		prompt = opts
		return true
	})
	s.Require().NoError(err)

	s.Equal("Remove Bob?", prompt.Title)
	s.Equal("danger", prompt.Variant)
	after, err := s.f.tasks.GetTask(s.f.ctx, owner, task.ID)
	s.Require().NoError(err)
	s.Empty(after.AssigneeID)
	s.Equal(task.Version+1, after.Version)
	s.Equal(0, s.memberCount(bob.UID))
	s.Contains(s.f.activity.all(), "Olga: removed Bob from the board")

	_, err = s.f.tasks.GetTask(s.f.ctx, bob, task.ID)
	s.ErrorIs(err, service.ErrForbidden)
}

func (s *MembershipSuite) TestRemoveMember_Declined() {
	member := s.f.join(s.T(), bob)

	err := s.f.members.RemoveMember(s.f.ctx, owner, member.ID, func(context.Context, service.ConfirmOptions) bool {
		return false
	})
	s.ErrorIs(err, service.ErrCancelled)

	err = s.f.members.RemoveMember(s.f.ctx, owner, member.ID, nil)
	s.ErrorIs(err, service.ErrCancelled)
	s.Equal(1, s.memberCount(bob.UID))
}

func (s *MembershipSuite) TestRemoveMember_ForbiddenSkipsPrompt() {
	s.f.join(s.T(), bob)
	ownerMemberID := board.MemberID(s.f.board.ID, owner.UID)

	asked := false
	err := s.f.members.RemoveMember(s.f.ctx, bob, ownerMemberID, func(context.Context, service.ConfirmOptions) bool {
		asked = true
		return true
	})

	s.ErrorIs(err, service.ErrForbidden)
	s.False(asked)
	s.Equal(1, s.memberCount(owner.UID))
}

func (s *MembershipSuite) TestUpdateRole_NonOwnerCannotDemoteOwner() {
	s.f.join(s.T(), bob)
	ownerMemberID := board.MemberID(s.f.board.ID, owner.UID)

	_, err := s.f.members.UpdateRole(s.f.ctx, bob, ownerMemberID, board.RoleMember)
	s.ErrorIs(err, service.ErrForbidden)

	_, err = s.f.members.UpdateRole(s.f.ctx, owner, ownerMemberID, board.RoleMember)
	s.ErrorIs(err, service.ErrForbidden)

	members, err := s.f.members.ListMembers(s.f.ctx, owner, s.f.board.ID)
	s.Require().NoError(err)
	s.Require().Len(members, 2)
	for _, m := range members {
		if m.UID == owner.UID {
			s.Equal(board.RoleOwner, m.Role)
		}
	}
}

func (s *MembershipSuite) TestUpdateRole_UnchangedIsNoop() {
	member := s.f.join(s.T(), bob)
	before := len(s.f.activity.all())

	updated, err := s.f.members.UpdateRole(s.f.ctx, owner, member.ID, board.RoleMember)

	s.Require().NoError(err)
	s.Equal(board.RoleMember, updated.Role)
	s.Len(s.f.activity.all(), before)
}

func (s *MembershipSuite) TestListMembers_NormalizesStrayOwnerRole() {
	member := s.f.join(s.T(), bob)
	s.Require().NoError(s.f.store.Update(s.f.ctx, repo.Members, member.ID, repo.Patch{"role": "owner"}))

	members, err := s.f.members.ListMembers(s.f.ctx, owner, s.f.board.ID)
	s.Require().NoError(err)
	for _, m := range members {
		if m.UID == bob.UID {
			s.Equal(board.RoleMember, m.Role)
		}
	}

	_, err = s.f.members.ListMembers(s.f.ctx, outsider, s.f.board.ID)
	s.ErrorIs(err, service.ErrForbidden)
}

func TestMembershipSuite(t *testing.T) {
	suite.Run(t, new(MembershipSuite))
}

func countMessages(all []string, msg string) int {
	n := 0
	for _, m := range all {
		if m == msg {
			n++
		}
	}
	return n
}

func TestSubscribeMembers(t *testing.T) {
	f := newFixture(t)
	updates := make(chan []board.Member, 8)

	sub, err := f.members.SubscribeMembers(f.ctx, owner, f.board.ID,
		func(ms []board.Member) { updates <- ms },
		func(err error) { t.Errorf("неожиданная ошибка подписки: %v", err) })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := <-updates
	require.Len(t, first, 1)

	f.join(t, bob)
	require.Eventually(t, func() bool {
		for {
			select {
			case ms := <-updates:
				if len(ms) == 2 {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}
