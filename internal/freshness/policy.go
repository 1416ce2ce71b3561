package freshness

import (
	"strings"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// Policy — правила свободных лицензий и запрещённых терминов.
type Policy struct {
	free   map[string]bool
	denied []string
}

// NewPolicy создаёт политику. Коды лицензий сравниваются без учёта регистра,
// термины ищутся как подстроки названия и описания без учёта регистра.
func NewPolicy(freeLicenses, deniedTerms []string) Policy {
	p := Policy{free: make(map[string]bool, len(freeLicenses))}
	for _, code := range freeLicenses {
		p.free[strings.ToUpper(strings.TrimSpace(code))] = true
	}
	for _, term := range deniedTerms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			p.denied = append(p.denied, term)
		}
	}
	return p
}

// IsFree сообщает, является ли лицензия свободной.
func (p Policy) IsFree(code string) bool {
	return p.free[strings.ToUpper(strings.TrimSpace(code))]
}

// DeniedTerm возвращает первый запрещённый термин, найденный в элементе.
func (p Policy) DeniedTerm(m *model.CandidateMedia) (string, bool) {
	if len(p.denied) == 0 {
		return "", false
	}
	text := strings.ToLower(m.Title + "\n" + m.Description)
	for _, term := range p.denied {
		if strings.Contains(text, term) {
			return term, true
		}
	}
	return "", false
}
