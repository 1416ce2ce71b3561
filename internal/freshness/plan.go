package freshness

import (
	"fmt"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// Причины исключения.
const (
	ReasonNoLongerPresent = "no longer present"
	reasonLicenseNotFree  = "license no longer free: %s"
	reasonDeniedTerm      = "denied term: %s"
)

// Plan — переходы, вычисленные для одного источника.
// Все элементы — новые объекты или изменённые копии известных.
type Plan struct {
	// Create — новые элементы
	Create []*model.CandidateMedia
	// Refresh — известные элементы с изменёнными метаданными
	Refresh []*model.CandidateMedia
	// Ignore — элементы, исключённые в этом проходе
	Ignore []*model.CandidateMedia
	// Reinstate — элементы, возвращённые после восстановления лицензии
	Reinstate []*model.CandidateMedia
	// Unchanged — число известных элементов без изменений
	Unchanged int
}

// Updates возвращает все известные элементы, которые нужно сохранить.
func (p *Plan) Updates() []*model.CandidateMedia {
	out := make([]*model.CandidateMedia, 0, len(p.Refresh)+len(p.Ignore)+len(p.Reinstate))
	out = append(out, p.Refresh...)
	out = append(out, p.Ignore...)
	out = append(out, p.Reinstate...)
	return out
}

// BuildPlan сопоставляет известные элементы источника со свежей выборкой.
//
//   - новый элемент создаётся (сразу исключённым, если лицензия несвободна
//     или найден запрещённый термин);
//   - известный и присутствующий получает свежие метаданные; переход лицензии
//     в несвободную исключает его, возврат в свободную снимает исключение
//     категории no_longer_free;
//   - известный и отсутствующий исключается, если ещё не исключён.
//
// Исключения других категорий синхронизация не снимает.
func BuildPlan(known, harvested []*model.CandidateMedia, policy Policy) *Plan {
	plan := &Plan{}

	knownByID := make(map[string]*model.CandidateMedia, len(known))
	for _, k := range known {
		knownByID[k.LocalID] = k
	}

	// Последнее вхождение локального ID в выборке побеждает
	fresh := make(map[string]*model.CandidateMedia, len(harvested))
	order := make([]string, 0, len(harvested))
	for _, h := range harvested {
		if _, seen := fresh[h.LocalID]; !seen {
			order = append(order, h.LocalID)
		}
		fresh[h.LocalID] = h
	}

	for _, id := range order {
		h := fresh[id]
		k, ok := knownByID[id]
		if !ok {
			plan.Create = append(plan.Create, newCandidate(h, policy))
			continue
		}
		planKnownPresent(plan, k, h, policy)
	}

	for _, k := range known {
		if _, present := fresh[k.LocalID]; present {
			continue
		}
		if k.Ignored {
			plan.Unchanged++
			continue
		}
		c := clone(k)
		c.Ignore(model.IgnoreNoLongerFree, ReasonNoLongerPresent)
		plan.Ignore = append(plan.Ignore, c)
	}

	return plan
}

func newCandidate(h *model.CandidateMedia, policy Policy) *model.CandidateMedia {
	c := &model.CandidateMedia{SourceID: h.SourceID, LocalID: h.LocalID}
	c.CopyMetadata(h)
	if term, denied := policy.DeniedTerm(c); denied {
		c.Ignore(model.IgnoreDeniedTerm, fmt.Sprintf(reasonDeniedTerm, term))
	} else if !policy.IsFree(c.LicenseCode) {
		c.Ignore(model.IgnoreNoLongerFree, fmt.Sprintf(reasonLicenseNotFree, c.LicenseCode))
	}
	return c
}

func planKnownPresent(plan *Plan, k, h *model.CandidateMedia, policy Policy) {
	c := clone(k)
	changed := !c.SameMetadata(h)
	c.CopyMetadata(h)

	licenseOnlyIgnore := !c.Ignored || c.IgnoredCategory == model.IgnoreNoLongerFree

	switch term, denied := policy.DeniedTerm(c); {
	case denied && licenseOnlyIgnore:
		c.Ignore(model.IgnoreDeniedTerm, fmt.Sprintf(reasonDeniedTerm, term))
		plan.Ignore = append(plan.Ignore, c)

	case !policy.IsFree(c.LicenseCode):
		reason := fmt.Sprintf(reasonLicenseNotFree, c.LicenseCode)
		switch {
		case !c.Ignored:
			c.Ignore(model.IgnoreNoLongerFree, reason)
			plan.Ignore = append(plan.Ignore, c)
		case c.IgnoredCategory == model.IgnoreNoLongerFree && c.IgnoredReason != reason:
			// Вернувшийся элемент с несвободной лицензией: причина
			// «no longer present» больше не верна.
			c.Ignore(model.IgnoreNoLongerFree, reason)
			plan.Refresh = append(plan.Refresh, c)
		case changed:
			plan.Refresh = append(plan.Refresh, c)
		default:
			plan.Unchanged++
		}

	case c.Ignored && c.IgnoredCategory == model.IgnoreNoLongerFree:
		c.Reinstate()
		plan.Reinstate = append(plan.Reinstate, c)

	case changed:
		plan.Refresh = append(plan.Refresh, c)

	default:
		plan.Unchanged++
	}
}

func clone(m *model.CandidateMedia) *model.CandidateMedia {
	c := *m
	c.Filenames = append([]string(nil), m.Filenames...)
	return &c
}
