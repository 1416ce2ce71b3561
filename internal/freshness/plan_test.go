package freshness

import (
	"testing"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

var testPolicy = NewPolicy([]string{"CC0-1.0", "CC-BY-4.0", "PD-USGov-NASA"}, []string{"watermark"})

func item(id, title, license string) *model.CandidateMedia {
	return &model.CandidateMedia{
		SourceID:    "nasa",
		LocalID:     id,
		AssetURL:    "https://example.org/" + id + ".jpg",
		Title:       title,
		LicenseCode: license,
	}
}

func byID(list []*model.CandidateMedia) map[string]*model.CandidateMedia {
	out := make(map[string]*model.CandidateMedia, len(list))
	for _, m := range list {
		out[m.LocalID] = m
	}
	return out
}

func TestBuildPlan_PresentAbsentNew(t *testing.T) {
	known := []*model.CandidateMedia{
		item("A", "Alpha", "CC0-1.0"),
		item("B", "Beta", "CC0-1.0"),
		item("C", "Gamma", "CC0-1.0"),
	}
	harvested := []*model.CandidateMedia{
		item("A", "Alpha", "CC0-1.0"),
		item("C", "Gamma (updated)", "CC0-1.0"),
		item("D", "Delta", "CC0-1.0"),
	}

	plan := BuildPlan(known, harvested, testPolicy)

	if len(plan.Create) != 1 || plan.Create[0].LocalID != "D" || plan.Create[0].Ignored {
		t.Errorf("Create = %v, ожидается только D без исключения", plan.Create)
	}
	if len(plan.Ignore) != 1 {
		t.Fatalf("Ignore = %d элементов, ожидается 1", len(plan.Ignore))
	}
	b := plan.Ignore[0]
	if b.LocalID != "B" || b.IgnoredCategory != model.IgnoreNoLongerFree || b.IgnoredReason != ReasonNoLongerPresent {
		t.Errorf("B = %+v, ожидается исключение no longer present", b)
	}
	if len(plan.Refresh) != 1 || plan.Refresh[0].LocalID != "C" || plan.Refresh[0].Title != "Gamma (updated)" {
		t.Errorf("Refresh = %v, ожидается только C с новым названием", plan.Refresh)
	}
	if plan.Unchanged != 1 {
		t.Errorf("Unchanged = %d, ожидается 1 (A)", plan.Unchanged)
	}
	if len(plan.Reinstate) != 0 {
		t.Errorf("Reinstate = %v, ожидается пусто", plan.Reinstate)
	}

	// Исходные объекты не изменяются
	if known[1].Ignored {
		t.Error("BuildPlan изменил известный элемент B")
	}
}

func TestBuildPlan_LicenseTransitions(t *testing.T) {
	tests := []struct {
		name          string
		known         *model.CandidateMedia
		harvested     *model.CandidateMedia
		wantList      string
		wantIgnored   bool
		wantCategory  model.IgnoreCategory
		wantReasonSub string
	}{
		{
			name:      "свободная → свободная: только обновление",
			known:     item("X", "Old", "CC0-1.0"),
			harvested: item("X", "New", "CC-BY-4.0"),
			wantList:  "refresh",
		},
		{
			name:          "свободная → несвободная: исключение",
			known:         item("X", "Old", "CC0-1.0"),
			harvested:     item("X", "Old", "ARR"),
			wantList:      "ignore",
			wantIgnored:   true,
			wantCategory:  model.IgnoreNoLongerFree,
			wantReasonSub: "license no longer free: ARR",
		},
		{
			name: "исключённая по лицензии снова свободна: восстановление",
			known: func() *model.CandidateMedia {
				m := item("X", "Old", "ARR")
				m.Ignore(model.IgnoreNoLongerFree, "license no longer free: ARR")
				return m
			}(),
			harvested: item("X", "Old", "CC0-1.0"),
			wantList:  "reinstate",
		},
		{
			name: "исчезнувший и вернувшийся: восстановление",
			known: func() *model.CandidateMedia {
				m := item("X", "Old", "CC0-1.0")
				m.Ignore(model.IgnoreNoLongerFree, ReasonNoLongerPresent)
				return m
			}(),
			harvested: item("X", "Old", "CC0-1.0"),
			wantList:  "reinstate",
		},
		{
			name: "вернувшийся с несвободной лицензией: причина обновляется",
			known: func() *model.CandidateMedia {
				m := item("X", "Old", "CC0-1.0")
				m.Ignore(model.IgnoreNoLongerFree, ReasonNoLongerPresent)
				return m
			}(),
			harvested:     item("X", "Old", "ARR"),
			wantList:      "refresh",
			wantIgnored:   true,
			wantCategory:  model.IgnoreNoLongerFree,
			wantReasonSub: "license no longer free: ARR",
		},
		{
			name: "исключённая по лицензии без изменений",
			known: func() *model.CandidateMedia {
				m := item("X", "Old", "ARR")
				m.Ignore(model.IgnoreNoLongerFree, "license no longer free: ARR")
				return m
			}(),
			harvested:    item("X", "Old", "ARR"),
			wantList:     "unchanged",
			wantIgnored:  true,
			wantCategory: model.IgnoreNoLongerFree,
		},
		{
			name: "ручное исключение не снимается",
			known: func() *model.CandidateMedia {
				m := item("X", "Old", "CC0-1.0")
				m.Ignore(model.IgnoreManual, "operator")
				return m
			}(),
			harvested:    item("X", "Old", "CC0-1.0"),
			wantList:     "unchanged",
			wantIgnored:  true,
			wantCategory: model.IgnoreManual,
		},
		{
			name: "запрещённый термин не снимается сменой лицензии",
			known: func() *model.CandidateMedia {
				m := item("X", "Photo with watermark", "ARR")
				m.Ignore(model.IgnoreDeniedTerm, "denied term: watermark")
				return m
			}(),
			harvested:    item("X", "Photo with watermark", "CC0-1.0"),
			wantList:     "refresh",
			wantIgnored:  true,
			wantCategory: model.IgnoreDeniedTerm,
		},
		{
			name:          "появился запрещённый термин",
			known:         item("X", "Clean", "CC0-1.0"),
			harvested:     item("X", "Now with WATERMARK", "CC0-1.0"),
			wantList:      "ignore",
			wantIgnored:   true,
			wantCategory:  model.IgnoreDeniedTerm,
			wantReasonSub: "denied term: watermark",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := BuildPlan([]*model.CandidateMedia{tt.known}, []*model.CandidateMedia{tt.harvested}, testPolicy)

			lists := map[string][]*model.CandidateMedia{
				"refresh":   plan.Refresh,
				"ignore":    plan.Ignore,
				"reinstate": plan.Reinstate,
			}
			var got *model.CandidateMedia
			for name, list := range lists {
				if len(list) == 0 {
					continue
				}
				if name != tt.wantList {
					t.Fatalf("элемент попал в %s, ожидается %s", name, tt.wantList)
				}
				got = list[0]
			}
			if tt.wantList == "unchanged" {
				if plan.Unchanged != 1 {
					t.Fatalf("Unchanged = %d, ожидается 1", plan.Unchanged)
				}
				return
			}
			if got == nil {
				t.Fatalf("элемент не попал ни в один список, ожидается %s", tt.wantList)
			}

			if got.Ignored != tt.wantIgnored {
				t.Errorf("Ignored = %v, ожидается %v", got.Ignored, tt.wantIgnored)
			}
			if got.IgnoredCategory != tt.wantCategory {
				t.Errorf("IgnoredCategory = %q, ожидается %q", got.IgnoredCategory, tt.wantCategory)
			}
			if tt.wantReasonSub != "" && got.IgnoredReason != tt.wantReasonSub {
				t.Errorf("IgnoredReason = %q, ожидается %q", got.IgnoredReason, tt.wantReasonSub)
			}
			if !got.Ignored && got.IgnoredReason != "" {
				t.Errorf("после восстановления осталась причина %q", got.IgnoredReason)
			}
			if got.LicenseCode != tt.harvested.LicenseCode {
				t.Errorf("LicenseCode = %q, ожидается свежий %q", got.LicenseCode, tt.harvested.LicenseCode)
			}
		})
	}
}

func TestBuildPlan_NewItemsScreened(t *testing.T) {
	harvested := []*model.CandidateMedia{
		item("free", "Moon", "CC0-1.0"),
		item("nonfree", "Moon", "ARR"),
		item("denied", "Moon watermark", "CC0-1.0"),
	}

	plan := BuildPlan(nil, harvested, testPolicy)
	created := byID(plan.Create)

	if len(created) != 3 {
		t.Fatalf("Create = %d, ожидается 3", len(created))
	}
	if created["free"].Ignored {
		t.Error("свободный элемент создан исключённым")
	}
	if c := created["nonfree"]; !c.Ignored || c.IgnoredCategory != model.IgnoreNoLongerFree {
		t.Errorf("несвободный элемент = %+v", c)
	}
	if c := created["denied"]; !c.Ignored || c.IgnoredCategory != model.IgnoreDeniedTerm {
		t.Errorf("элемент с запрещённым термином = %+v", c)
	}
}

func TestBuildPlan_AbsentAlreadyIgnoredUntouched(t *testing.T) {
	m := item("Z", "Zeta", "CC0-1.0")
	m.Ignore(model.IgnoreManual, "operator")

	plan := BuildPlan([]*model.CandidateMedia{m}, nil, testPolicy)
	if len(plan.Ignore) != 0 || plan.Unchanged != 1 {
		t.Errorf("Ignore = %v, Unchanged = %d; ожидается без изменений", plan.Ignore, plan.Unchanged)
	}
}

func TestBuildPlan_DuplicateHarvestedLastWins(t *testing.T) {
	harvested := []*model.CandidateMedia{
		item("A", "first", "CC0-1.0"),
		item("A", "second", "CC0-1.0"),
	}
	plan := BuildPlan(nil, harvested, testPolicy)
	if len(plan.Create) != 1 || plan.Create[0].Title != "second" {
		t.Errorf("Create = %v, ожидается один элемент с названием second", plan.Create)
	}
}

func TestPolicy(t *testing.T) {
	p := NewPolicy([]string{" cc0-1.0 "}, []string{"", " Logo "})
	if !p.IsFree("CC0-1.0") {
		t.Error("IsFree(CC0-1.0) = false")
	}
	if p.IsFree("ARR") {
		t.Error("IsFree(ARR) = true")
	}
	if term, ok := p.DeniedTerm(&model.CandidateMedia{Description: "agency LOGO"}); !ok || term != "logo" {
		t.Errorf("DeniedTerm() = %q, %v", term, ok)
	}
}
