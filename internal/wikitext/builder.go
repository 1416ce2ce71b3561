package wikitext

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// licenseTemplates — шаблоны лицензий по коду.
var licenseTemplates = map[string]string{
	"CC0-1.0":       "Cc-zero",
	"PD":            "PD-author",
	"PD-USGOV":      "PD-USGov",
	"PD-USGOV-NASA": "PD-USGov-NASA",
	"PD-ESA":        "PD-ESA",
	"CC-BY-2.0":     "Cc-by-2.0",
	"CC-BY-3.0":     "Cc-by-3.0",
	"CC-BY-4.0":     "Cc-by-4.0",
	"CC-BY-SA-2.0":  "Cc-by-sa-2.0",
	"CC-BY-SA-3.0":  "Cc-by-sa-3.0",
	"CC-BY-SA-4.0":  "Cc-by-sa-4.0",
}

// wikiEscaper экранирует символы разметки в свободном тексте.
var wikiEscaper = strings.NewReplacer(
	"|", "&#124;",
	"{", "&#123;",
	"}", "&#125;",
	"[", "&#91;",
	"]", "&#93;",
	"~~~", "&#126;&#126;&#126;",
)

// Page — содержимое публикации.
type Page struct {
	// Text — вики-текст страницы описания
	Text string
	// Comment — комментарий загрузки
	Comment string
}

// Builder формирует страницу описания файла.
type Builder struct {
	policy *bluemonday.Policy
}

// NewBuilder создаёт построитель страниц.
func NewBuilder() *Builder {
	return &Builder{policy: bluemonday.StrictPolicy()}
}

// LicenseTemplate возвращает шаблон лицензии для кода.
func LicenseTemplate(code string) (string, bool) {
	tpl, ok := licenseTemplates[strings.ToUpper(strings.TrimSpace(code))]
	return tpl, ok
}

// Build формирует страницу описания для элемента. category добавляется
// в конец страницы (пусто — без категории).
// Элемент без известного шаблона лицензии публиковать нельзя.
func (b *Builder) Build(m *model.CandidateMedia, category string) (*Page, error) {
	license, ok := LicenseTemplate(m.LicenseCode)
	if !ok {
		return nil, fmt.Errorf("нет шаблона для лицензии %q", m.LicenseCode)
	}

	description := b.plainText(m.Description)
	if description == "" {
		description = b.plainText(m.Title)
	}
	author := b.plainText(m.Credit)
	if author == "" {
		author = "{{unknown|author}}"
	}
	date := ""
	if m.CapturedAt != nil {
		date = m.CapturedAt.UTC().Format("2006-01-02")
	}

	var sb strings.Builder
	sb.WriteString("=={{int:filedesc}}==\n")
	sb.WriteString("{{Information\n")
	fmt.Fprintf(&sb, "|description={{en|1=%s}}\n", description)
	fmt.Fprintf(&sb, "|date=%s\n", date)
	fmt.Fprintf(&sb, "|source=%s\n", wikiEscaper.Replace(m.AssetURL))
	fmt.Fprintf(&sb, "|author=%s\n", author)
	sb.WriteString("}}\n\n")
	sb.WriteString("=={{int:license-header}}==\n")
	fmt.Fprintf(&sb, "{{%s}}\n", license)
	if category != "" {
		fmt.Fprintf(&sb, "\n[[Category:%s]]\n", category)
	}

	return &Page{
		Text:    sb.String(),
		Comment: fmt.Sprintf("Import from %s (%s)", m.SourceID, m.LocalID),
	}, nil
}

// plainText удаляет HTML, раскрывает сущности, схлопывает пробелы
// и экранирует вики-разметку.
func (b *Builder) plainText(s string) string {
	if s == "" {
		return ""
	}
	text := html.UnescapeString(b.policy.Sanitize(s))
	text = strings.Join(strings.Fields(text), " ")
	return wikiEscaper.Replace(text)
}
