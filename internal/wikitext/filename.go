// Пакет wikitext — имя файла и страница описания для публикации в репозиторий.
package wikitext

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// MaxFilenameBytes — предел длины имени файла в байтах (вместе с расширением).
const MaxFilenameBytes = 240

// forbiddenChars — символы, недопустимые в имени файла репозитория.
const forbiddenChars = "#<>[]|{}/:."

// NormalizeFilename приводит имя файла к допустимому виду:
// NFC, запрещённые и управляющие символы заменяются на '-' (кроме точки
// расширения), пробелы схлопываются, длина ограничена MaxFilenameBytes.
func NormalizeFilename(name string) string {
	name = norm.NFC.String(name)

	base, ext := splitExtension(name)
	base = normalizeBase(base)
	if base == "" {
		base = "Untitled"
	}

	suffix := ""
	if ext != "" {
		suffix = "." + ext
	}
	return truncateUTF8(base, MaxFilenameBytes-len(suffix)) + suffix
}

// Filename строит имя файла для элемента: "<название> (<источник> <id>).<расширение>".
func Filename(m *model.CandidateMedia, format model.Format) string {
	title := strings.TrimSpace(m.Title)
	tail := fmt.Sprintf("(%s %s)", m.SourceID, m.LocalID)

	ext := "." + format.Extension()
	maxBase := MaxFilenameBytes - len(ext)

	// Название обрезается первым, чтобы идентификатор элемента сохранился.
	tailBase := normalizeBase(tail)
	var base string
	if title == "" {
		base = tailBase
	} else {
		titleBase := normalizeBase(norm.NFC.String(title))
		room := maxBase - len(tailBase) - 1
		if room > 0 {
			base = strings.TrimSpace(truncateUTF8(titleBase, room)) + " " + tailBase
		} else {
			base = tailBase
		}
	}
	return NormalizeFilename(base + ext)
}

// splitExtension отделяет расширение: последняя точка, за которой
// 1–5 букв или цифр.
func splitExtension(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return name, ""
	}
	ext := name[i+1:]
	if len(ext) > 5 {
		return name, ""
	}
	for _, r := range ext {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return name, ""
		}
	}
	return name[:i], strings.ToLower(ext)
}

func normalizeBase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r) || r == '_':
			space = true
			continue
		case unicode.IsControl(r) || strings.ContainsRune(forbiddenChars, r):
			r = '-'
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// truncateUTF8 обрезает строку до n байт по границе руны.
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimRight(s[:n], " ")
}
