package service

import (
	"errors"
	"fmt"

	repo "boardSync/internal/repository"
)

const (
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeForbidden        = "FORBIDDEN"
	CodeWipLimitExceeded = "WIP_LIMIT_EXCEEDED"
	CodeInvalidAssignee  = "INVALID_ASSIGNEE"
	CodeAlreadyResolved  = "ALREADY_RESOLVED"
	CodeAlreadyMember    = "ALREADY_MEMBER"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeCancelled        = "CANCELLED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// Сентинелы для errors.Is: сравнение идёт по коду
var (
	ErrNotFound         = &BusinessError{Code: CodeNotFound}
	ErrValidation       = &BusinessError{Code: CodeValidation}
	ErrForbidden        = &BusinessError{Code: CodeForbidden}
	ErrWipLimitExceeded = &BusinessError{Code: CodeWipLimitExceeded}
	ErrInvalidAssignee  = &BusinessError{Code: CodeInvalidAssignee}
	ErrAlreadyResolved  = &BusinessError{Code: CodeAlreadyResolved}
	ErrAlreadyMember    = &BusinessError{Code: CodeAlreadyMember}
	ErrVersionConflict  = &BusinessError{Code: CodeVersionConflict}
	ErrCancelled        = &BusinessError{Code: CodeCancelled}
	ErrStoreUnavailable = &BusinessError{Code: CodeStoreUnavailable}
)

type BusinessError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

type Detail struct {
	Key    string
	Paylod any
}

func (b *BusinessError) Error() string {
	if b.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", b.Code, b.Message, b.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", b.Code, b.Message)
}

func (b *BusinessError) Unwrap() error {
	return b.Err
}

func (b *BusinessError) Is(target error) bool {
	t, ok := target.(*BusinessError)
	return ok && t.Code == b.Code
}

func ToDetail(key string, payload any) Detail {
	return Detail{
		Key:    key,
		Paylod: payload,
	}
}

func NewBusinessError(code string, message string, details ...Detail) *BusinessError {
	BusErr := &BusinessError{
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
	for _, detail := range details {
		BusErr.Details[detail.Key] = detail.Paylod
	}
	return BusErr
}

func NewNotFound(resource, id string) *BusinessError {
	return NewBusinessError(CodeNotFound, fmt.Sprintf("%s %s не найден(а)", resource, id),
		ToDetail("resource", resource),
		ToDetail("id", id))
}

func NewValidationError(field, reason string) *BusinessError {
	return NewBusinessError(CodeValidation, fmt.Sprintf("Неверное значение поля '%s': %s", field, reason),
		ToDetail("field", field),
		ToDetail("reason", reason))
}

func NewForbidden(reason string) *BusinessError {
	return NewBusinessError(CodeForbidden, reason)
}

func NewWipLimitExceeded(columnID string, limit, count int) *BusinessError {
	return NewBusinessError(CodeWipLimitExceeded,
		fmt.Sprintf("колонка заполнена: %d из %d", count, limit),
		ToDetail("column_id", columnID),
		ToDetail("wip_limit", limit),
		ToDetail("count", count))
}

func NewInvalidAssignee(uid string) *BusinessError {
	return NewBusinessError(CodeInvalidAssignee, "исполнитель не является участником доски",
		ToDetail("assignee_id", uid))
}

func NewAlreadyResolved(inviteID, status string) *BusinessError {
	return NewBusinessError(CodeAlreadyResolved, "приглашение уже обработано",
		ToDetail("invite_id", inviteID),
		ToDetail("status", status))
}

func NewAlreadyMember(email string) *BusinessError {
	return NewBusinessError(CodeAlreadyMember, "пользователь уже участник доски",
		ToDetail("email", email))
}

func NewVersionConflict(resource, id, reason string) *BusinessError {
	return NewBusinessError(CodeVersionConflict, reason,
		ToDetail("resource", resource),
		ToDetail("id", id))
}

func NewCancelled(action string) *BusinessError {
	return NewBusinessError(CodeCancelled, "действие не подтверждено", ToDetail("action", action))
}

func NewStoreUnavailable(err error) *BusinessError {
	busErr := NewBusinessError(CodeStoreUnavailable, "хранилище недоступно")
	busErr.Err = err
	return busErr
}

// storeError переводит ошибку адаптера в таксономию сервиса.
// Бизнес-ошибки, поднятые внутри транзакции, проходят как есть.
func storeError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	var busErr *BusinessError
	if errors.As(err, &busErr) {
		return busErr
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return NewNotFound(resource, id)
	case errors.Is(err, repo.ErrUnavailable), errors.Is(err, repo.ErrClosed):
		return NewStoreUnavailable(err)
	}
	return fmt.Errorf("%s %s: %w", resource, id, err)
}
