package repository

import "errors"

var (
	ErrNotFound    = errors.New("документ не найден")
	ErrUnavailable = errors.New("хранилище недоступно")
	ErrClosed      = errors.New("хранилище закрыто")
)
