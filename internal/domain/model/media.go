// Пакет model — доменные модели Media Harvester.
package model

import "time"

// IgnoreCategory — структурированная причина исключения элемента из публикации.
type IgnoreCategory string

const (
	// IgnoreNone — элемент не исключён.
	IgnoreNone IgnoreCategory = ""
	// IgnoreNoLongerFree — элемент исчез из источника или лицензия стала несвободной.
	// Единственная категория, которую снимает восстановление свободной лицензии.
	IgnoreNoLongerFree IgnoreCategory = "no_longer_free"
	// IgnoreDeniedTerm — в названии или описании найден запрещённый термин.
	IgnoreDeniedTerm IgnoreCategory = "denied_term"
	// IgnoreDeniedContent — содержимое отклонено оператором по существу.
	// Синхронизация эту категорию не выставляет и не снимает; сброс —
	// только флагом --reset-ignored.
	IgnoreDeniedContent IgnoreCategory = "denied_content"
	// IgnoreManual — исключён оператором вручную.
	IgnoreManual IgnoreCategory = "manual"
)

// Valid сообщает, является ли категория известной.
func (c IgnoreCategory) Valid() bool {
	switch c {
	case IgnoreNone, IgnoreNoLongerFree, IgnoreDeniedTerm, IgnoreDeniedContent, IgnoreManual:
		return true
	}
	return false
}

// MediaKey — идентичность элемента: пара (источник, локальный идентификатор).
type MediaKey struct {
	SourceID string
	LocalID  string
}

// CandidateMedia — элемент, обнаруженный в источнике.
// Хранится в таблице candidate_media.
type CandidateMedia struct {
	// ID — UUID записи
	ID string
	// SourceID — идентификатор источника
	SourceID string
	// LocalID — идентификатор элемента внутри источника
	LocalID string
	// AssetURL — адрес двоичного содержимого
	AssetURL string
	// Title — заявленное название
	Title string
	// Description — заявленное описание (без HTML)
	Description string
	// Credit — автор / правообладатель
	Credit string
	// LicenseCode — код лицензии (CC-BY-4.0, PD-USGov-NASA, ...)
	LicenseCode string
	// CapturedAt — время съёмки (опционально)
	CapturedAt *time.Time
	// PublishedAt — время публикации в источнике (опционально)
	PublishedAt *time.Time
	// Ignored — исключён из публикации
	Ignored bool
	// IgnoredReason — человекочитаемая причина исключения
	IgnoredReason string
	// IgnoredCategory — структурированная причина исключения
	IgnoredCategory IgnoreCategory
	// SHA1 — хеш содержимого связанной FileRecord (nil, пока не загружено)
	SHA1 *string
	// Filenames — имена файлов в репозитории, под которыми элемент опубликован
	Filenames []string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// Key возвращает идентичность элемента.
func (m *CandidateMedia) Key() MediaKey {
	return MediaKey{SourceID: m.SourceID, LocalID: m.LocalID}
}

// IsPublished — у элемента есть хотя бы одно имя файла в репозитории.
func (m *CandidateMedia) IsPublished() bool {
	return len(m.Filenames) > 0
}

// Ignore исключает элемент с указанной категорией и причиной.
func (m *CandidateMedia) Ignore(category IgnoreCategory, reason string) {
	m.Ignored = true
	m.IgnoredCategory = category
	m.IgnoredReason = reason
}

// Reinstate снимает исключение целиком: флаг, причину и категорию.
func (m *CandidateMedia) Reinstate() {
	m.Ignored = false
	m.IgnoredCategory = IgnoreNone
	m.IgnoredReason = ""
}

// HasFilename сообщает, опубликован ли элемент под данным именем.
func (m *CandidateMedia) HasFilename(name string) bool {
	for _, f := range m.Filenames {
		if f == name {
			return true
		}
	}
	return false
}

// SameMetadata сравнивает заявленные источником поля.
func (m *CandidateMedia) SameMetadata(o *CandidateMedia) bool {
	return m.AssetURL == o.AssetURL &&
		m.Title == o.Title &&
		m.Description == o.Description &&
		m.Credit == o.Credit &&
		m.LicenseCode == o.LicenseCode &&
		equalTime(m.CapturedAt, o.CapturedAt) &&
		equalTime(m.PublishedAt, o.PublishedAt)
}

// CopyMetadata переносит заявленные поля из свежей выборки источника.
func (m *CandidateMedia) CopyMetadata(o *CandidateMedia) {
	m.AssetURL = o.AssetURL
	m.Title = o.Title
	m.Description = o.Description
	m.Credit = o.Credit
	m.LicenseCode = o.LicenseCode
	m.CapturedAt = o.CapturedAt
	m.PublishedAt = o.PublishedAt
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
