package handlers

import (
	"errors"
	"net/http"

	"boardSync/internal/logger"
	"boardSync/internal/service"

	"go.uber.org/zap"
)

func handleBusinessError(w http.ResponseWriter, err error) bool {
	var businessErr *service.BusinessError
	if !errors.As(err, &businessErr) {
		return false
	}
	statusCode := mapBusinessErrorToHTTP(businessErr.Code)

	logger.Warn("HTTP: Бизнес-ошибка",
		zap.String("error_code", businessErr.Code),
		zap.Int("http_status", statusCode))

	responseWithJSON(w, statusCode,
		toPayload("error", businessErr.Code),
		toPayload("message", businessErr.Message),
		toPayload("details", businessErr.Details),
	)
	return true
}

// respondError бизнес-ошибки по таблице кодов, остальное 500 с текстом ошибки
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	if handleBusinessError(w, err) {
		return
	}
	logger.Error("HTTP: Ошибка Service", err, zap.String("path", r.URL.Path))
	responseWithError(w, http.StatusInternalServerError, err.Error())
}

func mapBusinessErrorToHTTP(code string) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeForbidden:
		return http.StatusForbidden
	case service.CodeWipLimitExceeded, service.CodeAlreadyResolved,
		service.CodeAlreadyMember, service.CodeVersionConflict:
		return http.StatusConflict
	case service.CodeInvalidAssignee:
		return http.StatusUnprocessableEntity
	case service.CodeCancelled:
		return http.StatusPreconditionRequired
	case service.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
