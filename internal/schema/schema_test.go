package schema_test

import (
	"encoding/json"
	"testing"
	"time"

	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"
	"boardSync/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(id, data string) repo.Doc {
	return repo.Doc{ID: id, Data: json.RawMessage(data)}
}

func TestDecodeTask_Normalizes(t *testing.T) {
	task, err := schema.DecodeTask(raw("t1", `{
		"boardId": "b1",
		"columnId": "c1",
		"title": "Ship it",
		"priority": " HIGH ",
		"position": 1024
	}`))
	require.NoError(t, err)

	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, board.PriorityHigh, task.Priority)
	assert.Equal(t, 1024.0, task.Position)
	assert.NotNil(t, task.Mentions)
	assert.NotNil(t, task.Checklist)
	assert.NotNil(t, task.Tags)

	task, err = schema.DecodeTask(raw("t2", `{"boardId":"b1","columnId":"c1","title":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, board.PriorityLow, task.Priority)
}

func TestDecodeTask_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"не json", `{`},
		{"без заголовка", `{"boardId":"b1","columnId":"c1"}`},
		{"без колонки", `{"boardId":"b1","title":"x"}`},
		{"неизвестный приоритет", `{"boardId":"b1","columnId":"c1","title":"x","priority":"urgent"}`},
		{"плохая дата", `{"boardId":"b1","columnId":"c1","title":"x","dueDate":"15.10.2026"}`},
		{"отрицательное время", `{"boardId":"b1","columnId":"c1","title":"x","timeLoggedMins":-5}`},
		{"пустой пункт чеклиста", `{"boardId":"b1","columnId":"c1","title":"x","checklist":[{"text":""}]}`},
		{"отрицательный deadline", `{"boardId":"b1","columnId":"c1","title":"x","deadline":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.DecodeTask(raw("bad", tt.data))
			assert.ErrorIs(t, err, schema.ErrMalformed)
			assert.Contains(t, err.Error(), "bad")
		})
	}
}

func TestDecodeTask_AcceptsBothDateForms(t *testing.T) {
	for _, due := range []string{"2026-10-15", "2026-10-15T09:30:00Z"} {
		task, err := schema.DecodeTask(raw("t", `{"boardId":"b1","columnId":"c1","title":"x","dueDate":"`+due+`"}`))
		require.NoError(t, err, due)
		at, ok := task.DueAt()
		require.True(t, ok)
		assert.Equal(t, 15, at.Day())
	}
}

func TestDecodeMember_NormalizesRoleAndEmail(t *testing.T) {
	tests := []struct {
		role string
		want board.Role
	}{
		{"owner", board.RoleOwner},
		{" Admin ", board.RoleAdmin},
		{"member", board.RoleMember},
		{"", board.RoleMember},
		{"viewer", board.RoleMember},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			m, err := schema.DecodeMember(raw("b1_u1",
				`{"boardId":"b1","uid":"u1","email":" U1@Example.com ","role":"`+tt.role+`"}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Role)
			assert.Equal(t, "u1@example.com", m.Email)
			assert.Equal(t, "b1_u1", m.ID)
		})
	}
}

func TestDecodeInvite_DefaultsToPending(t *testing.T) {
	inv, err := schema.DecodeInvite(raw("i1", `{"boardId":"b1","invitedEmail":"A@X.com","role":"member"}`))
	require.NoError(t, err)
	assert.Equal(t, board.InvitePending, inv.Status)
	assert.Equal(t, "a@x.com", inv.InvitedEmail)
	assert.False(t, inv.Resolved())

	_, err = schema.DecodeInvite(raw("i2", `{"boardId":"b1","invitedEmail":"a@x.com","status":"expired"}`))
	assert.ErrorIs(t, err, schema.ErrMalformed)

	_, err = schema.DecodeInvite(raw("i3", `{"boardId":"b1","invitedEmail":"nope"}`))
	assert.ErrorIs(t, err, schema.ErrMalformed)
}

func TestDecodeColumnAndBoard(t *testing.T) {
	col, err := schema.DecodeColumn(raw("c1", `{"boardId":"b1","name":"  Doing ","order":2,"wipLimit":3,"stage":"in_progress"}`))
	require.NoError(t, err)
	assert.Equal(t, "Doing", col.Name)
	require.NotNil(t, col.WipLimit)
	assert.Equal(t, 3, *col.WipLimit)
	assert.False(t, col.Full(2))
	assert.True(t, col.Full(3))

	_, err = schema.DecodeColumn(raw("c2", `{"boardId":"b1","name":"x","wipLimit":-1}`))
	assert.ErrorIs(t, err, schema.ErrMalformed)
	_, err = schema.DecodeColumn(raw("c3", `{"boardId":"b1","name":"x","stage":"archived"}`))
	assert.ErrorIs(t, err, schema.ErrMalformed)

	b, err := schema.DecodeBoard(raw("b1", `{"name":"Roadmap","createdBy":"u1","sprint":{"name":"S1","startDate":"2026-10-01"}}`))
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	require.NotNil(t, b.Sprint)

	_, err = schema.DecodeBoard(raw("b2", `{"name":"Roadmap"}`))
	assert.ErrorIs(t, err, schema.ErrMalformed)
}

func TestDecodeMany_SkipsBroken(t *testing.T) {
	docs := []repo.Doc{
		raw("a1", `{"boardId":"b1","message":"created board"}`),
		raw("a2", `{"boardId":"b1"}`),
		raw("a3", `{"boardId":"b1","message":"invited x"}`),
	}

	entries, err := schema.DecodeMany(docs, schema.DecodeActivity)

	require.Len(t, entries, 2)
	assert.Equal(t, "a1", entries[0].ID)
	assert.Equal(t, "a3", entries[1].ID)
	assert.ErrorIs(t, err, schema.ErrMalformed)
	assert.Contains(t, err.Error(), "a2")

	entries, err = schema.DecodeMany(nil, schema.DecodeActivity)
	assert.NoError(t, err)
	assert.NotNil(t, entries)
}

func TestValidate(t *testing.T) {
	ok := board.Task{BoardID: "b1", ColumnID: "c1", Title: "x", Priority: board.PriorityLow}
	assert.NoError(t, schema.Validate(ok))

	ok.DueDate = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).Format(board.DateLayout)
	assert.NoError(t, schema.Validate(ok))

	bad := ok
	bad.Title = ""
	err := schema.Validate(bad)
	assert.ErrorIs(t, err, schema.ErrMalformed)
	assert.Contains(t, err.Error(), "Title")
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@x.com", schema.NormalizeEmail("  A@X.COM "))
	assert.Equal(t, "", schema.NormalizeEmail("   "))
}
