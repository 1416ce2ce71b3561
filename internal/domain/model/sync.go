package model

import "time"

// SyncResult — результат синхронизации свежести одного источника.
type SyncResult struct {
	// SourceID — идентификатор источника
	SourceID string
	// Harvested — элементов в свежей выборке
	Harvested int
	// Created — новых элементов
	Created int
	// Refreshed — элементов с обновлёнными метаданными
	Refreshed int
	// Ignored — элементов, исключённых в этом проходе
	Ignored int
	// Reinstated — элементов, возвращённых после восстановления лицензии
	Reinstated int
	// StartedAt — время начала
	StartedAt time.Time
	// CompletedAt — время завершения
	CompletedAt time.Time
}

// CycleResult — результат полного цикла обработки источника.
type CycleResult struct {
	// SourceID — идентификатор источника
	SourceID string
	// Sync — результат синхронизации свежести
	Sync *SyncResult
	// Candidates — элементов, отобранных для обработки
	Candidates int
	// Fetched — успешно загружено содержимое
	Fetched int
	// Duplicates — содержимое уже опубликовано, элемент связан без загрузки
	Duplicates int
	// Published — опубликовано (включая разрешённые конфликты)
	Published int
	// Skipped — пропущено (режим только чтения, неподходящее содержимое)
	Skipped int
	// Failed — ошибки обработки элементов
	Failed int
	// StartedAt — время начала
	StartedAt time.Time
	// CompletedAt — время завершения
	CompletedAt time.Time
}

// SourceCounts — агрегированные счётчики элементов источника.
type SourceCounts struct {
	Total     int
	Ignored   int
	Published int
}
