package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrInvalidReport — отчёт нельзя сохранить (нет execution id или процесса).
	ErrInvalidReport = errors.New("invalid report")
)
