// Package schema проверяет и нормализует сырые документы хранилища,
// прежде чем они попадут в проекцию или в шлюзы.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"

	"github.com/go-playground/validator/v10"
)

var ErrMalformed = errors.New("некорректный документ")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := board.ParseDate(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate проверяет уже собранную модель перед записью
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, describe(err))
	}
	return nil
}

func decode[T any](doc repo.Doc, normalize func(*T)) (T, error) {
	var out T
	if err := json.Unmarshal(doc.Data, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrMalformed, doc.ID, err)
	}
	normalize(&out)
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %s: %s", ErrMalformed, doc.ID, describe(err))
	}
	return out, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func DecodeBoard(doc repo.Doc) (board.Board, error) {
	return decode(doc, func(b *board.Board) {
		b.ID = doc.ID
		b.Name = strings.TrimSpace(b.Name)
	})
}

func DecodeColumn(doc repo.Doc) (board.Column, error) {
	return decode(doc, func(c *board.Column) {
		c.ID = doc.ID
		c.Name = strings.TrimSpace(c.Name)
	})
}

func DecodeTask(doc repo.Doc) (board.Task, error) {
	return decode(doc, func(t *board.Task) {
		t.ID = doc.ID
		t.Priority = board.Priority(strings.ToLower(strings.TrimSpace(string(t.Priority))))
		if t.Priority == "" {
			t.Priority = board.PriorityLow
		}
		if t.Mentions == nil {
			t.Mentions = []string{}
		}
		if t.Checklist == nil {
			t.Checklist = []board.ChecklistItem{}
		}
		if t.Tags == nil {
			t.Tags = []board.Tag{}
		}
	})
}

func DecodeMember(doc repo.Doc) (board.Member, error) {
	return decode(doc, func(m *board.Member) {
		m.ID = doc.ID
		m.Email = strings.ToLower(strings.TrimSpace(m.Email))
		m.Role = NormalizeRole(m.Role)
	})
}

func DecodeInvite(doc repo.Doc) (board.Invite, error) {
	return decode(doc, func(i *board.Invite) {
		i.ID = doc.ID
		i.InvitedEmail = NormalizeEmail(i.InvitedEmail)
		i.Role = NormalizeRole(i.Role)
		if i.Status == "" {
			i.Status = board.InvitePending
		}
	})
}

func DecodeActivity(doc repo.Doc) (board.ActivityEntry, error) {
	return decode(doc, func(a *board.ActivityEntry) {
		a.ID = doc.ID
	})
}

// NormalizeRole: неизвестная или пустая роль читается как member, admin сохраняется для отображения
func NormalizeRole(role board.Role) board.Role {
	switch board.Role(strings.ToLower(strings.TrimSpace(string(role)))) {
	case board.RoleOwner:
		return board.RoleOwner
	case board.RoleAdmin:
		return board.RoleAdmin
	default:
		return board.RoleMember
	}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DecodeMany раскодирует пачку документов. Битые документы пропускаются,
// их ошибки возвращаются вместе, чтобы вызывающий мог их залогировать.
func DecodeMany[T any](docs []repo.Doc, fn func(repo.Doc) (T, error)) ([]T, error) {
	out := make([]T, 0, len(docs))
	var errs []error
	for _, doc := range docs {
		item, err := fn(doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, item)
	}
	return out, errors.Join(errs...)
}
