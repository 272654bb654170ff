package i18n

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/escalopa/quran-lab/internal/domain"
)

const localesDir = "../../../locales"

func TestLocalesShareKeys(t *testing.T) {
	i, err := NewI18n(localesDir)
	if err != nil {
		t.Fatalf("load locales: %v", err)
	}
	for key := range i.translations[domain.LangEnglish] {
		for _, lang := range domain.Languages {
			if _, ok := i.translations[lang][key]; !ok {
				t.Errorf("%s: missing key %q", lang, key)
			}
		}
	}
}

func TestGetFallsBack(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"en.yaml": "messages:\n  greet: \"hello %s\"\n  only.en: \"english\"\n",
		"ar.yaml": "messages:\n  greet: \"مرحبا %s\"\n",
		"ru.yaml": "messages: {}\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	i, err := NewI18n(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		lang domain.Language
		key  string
		want string
	}{
		{domain.LangArabic, "greet", "مرحبا x"},
		{domain.LangArabic, "only.en", "english"},
		{domain.LangRussian, "greet", "hello x"},
		{domain.LangEnglish, "missing", "missing"},
	}
	for _, tt := range tests {
		var got string
		if tt.key == "greet" {
			got = i.Get(tt.lang, tt.key, "x")
		} else {
			got = i.Get(tt.lang, tt.key)
		}
		if got != tt.want {
			t.Errorf("Get(%s, %s) = %q, want %q", tt.lang, tt.key, got, tt.want)
		}
	}
}

func TestSurahAndTierNames(t *testing.T) {
	i, err := NewI18n(localesDir)
	if err != nil {
		t.Fatalf("load locales: %v", err)
	}
	if got := i.GetSurahName(domain.LangArabic, 1); got != "الفاتحة" {
		t.Fatalf("unexpected arabic name %q", got)
	}
	if got := i.GetSurahName(domain.LangRussian, 114); got != "An-Nas" {
		t.Fatalf("expected table fallback, got %q", got)
	}
	if got := i.GetSurahName(domain.LangEnglish, 200); got != "Surah 200" {
		t.Fatalf("unexpected name %q", got)
	}

	custom := domain.LevelTier{Key: "custom", Title: "Custom"}
	if got := i.TierTitle(domain.LangEnglish, custom); got != "Custom" {
		t.Fatalf("expected configured title, got %q", got)
	}
	if got := i.TierTitle(domain.LangRussian, domain.LevelTier{Key: "hafiz"}); got != "Хафиз" {
		t.Fatalf("unexpected tier title %q", got)
	}

	loc := domain.Locator{Surah: 1, FromAyah: 1, ToAyah: 7}
	if got := FormatLocator(domain.LangEnglish, i, loc); got != "Al-Fatihah 1-7" {
		t.Fatalf("unexpected locator %q", got)
	}
}

func TestRejectsShortSurahList(t *testing.T) {
	dir := t.TempDir()
	for _, lang := range domain.Languages {
		body := "messages: {}\n"
		if lang == domain.LangArabic {
			body += "surahs:\n  - \"الفاتحة\"\n"
		}
		if err := os.WriteFile(filepath.Join(dir, string(lang)+".yaml"), []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := NewI18n(dir); err == nil {
		t.Fatal("expected error for incomplete surah list")
	}
}
