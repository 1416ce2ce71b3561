package model

import "time"

// PublicationOutcome — итог одного вызова публикации.
type PublicationOutcome string

const (
	// OutcomeSuccess — файл загружен под новым именем.
	OutcomeSuccess PublicationOutcome = "success"
	// OutcomeConflict — репозиторий уже содержит это содержимое; имя существующего файла известно.
	OutcomeConflict PublicationOutcome = "conflict"
	// OutcomeFailure — публикация не удалась.
	OutcomeFailure PublicationOutcome = "failure"
)

// FailureKind — вид неудачи публикации.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureTimeout    FailureKind = "timeout"
	FailureToken      FailureKind = "token"
	FailureInvalidURL FailureKind = "invalid_url"
	FailureReadOnly   FailureKind = "read_only"
	FailureOther      FailureKind = "other"
)

// PublicationAttempt — запись о вызове публикации.
// Хранится в таблице publication_attempt.
type PublicationAttempt struct {
	// ID — UUID записи
	ID string
	// SourceID, LocalID — элемент, который публиковался
	SourceID string
	LocalID  string
	// SHA1 — хеш публикуемого содержимого
	SHA1 string
	// RequestedFilename — имя, запрошенное при загрузке
	RequestedFilename string
	// Outcome — итог
	Outcome PublicationOutcome
	// Filename — итоговое имя (новое при success, существующее при conflict)
	Filename string
	// FailureKind — вид неудачи (только для failure)
	FailureKind FailureKind
	// Error — текст ошибки (только для failure)
	Error string
	// Attempts — количество отправленных запросов загрузки
	Attempts int
	// Duration — длительность вызова
	Duration time.Duration
	// CreatedAt — время создания записи
	CreatedAt time.Time
}

// OK — файл доступен в репозитории (success или conflict).
func (a *PublicationAttempt) OK() bool {
	return a.Outcome == OutcomeSuccess || a.Outcome == OutcomeConflict
}
