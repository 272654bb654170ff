package i18n

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/escalopa/quran-lab/internal/domain"
	"gopkg.in/yaml.v3"
)

type I18n struct {
	translations map[domain.Language]map[string]string
	surahs       map[domain.Language][]string
}

type translationFile struct {
	Messages map[string]string `yaml:"messages"`
	Surahs   []string          `yaml:"surahs"`
}

func NewI18n(localesDir string) (*I18n, error) {
	i18n := &I18n{
		translations: make(map[domain.Language]map[string]string),
		surahs:       make(map[domain.Language][]string),
	}

	for _, lang := range domain.Languages {
		filename := filepath.Join(localesDir, string(lang)+".yaml")
		if err := i18n.loadTranslations(lang, filename); err != nil {
			return nil, fmt.Errorf("load %s translations: %w", lang, err)
		}
	}

	return i18n, nil
}

func (i *I18n) loadTranslations(lang domain.Language, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var tf translationFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("unmarshal yaml: %w", err)
	}
	if len(tf.Surahs) > 0 && len(tf.Surahs) != domain.SurahCount {
		return fmt.Errorf("expected %d surah names, got %d", domain.SurahCount, len(tf.Surahs))
	}

	i.translations[lang] = tf.Messages
	i.surahs[lang] = tf.Surahs

	return nil
}

// Get retrieves a translated message, falling back to English and then to the key
func (i *I18n) Get(lang domain.Language, key string, args ...interface{}) string {
	msg, ok := i.translations[lang][key]
	if !ok {
		msg, ok = i.translations[domain.LangEnglish][key]
	}
	if !ok {
		return key
	}

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	return msg
}

// GetSurahName retrieves the localized name of a Surah
func (i *I18n) GetSurahName(lang domain.Language, surahNumber int) string {
	if surahs := i.surahs[lang]; surahNumber >= 1 && surahNumber <= len(surahs) {
		return surahs[surahNumber-1]
	}
	if s, ok := domain.GetSurah(surahNumber); ok {
		return s.Name
	}
	return fmt.Sprintf("Surah %d", surahNumber)
}

// TierTitle returns the localized title of a tier, or its configured title
func (i *I18n) TierTitle(lang domain.Language, tier domain.LevelTier) string {
	key := "tier." + tier.Key
	if title := i.Get(lang, key); title != key {
		return title
	}
	return tier.Title
}

// StageName returns the localized name of a validation stage
func (i *I18n) StageName(lang domain.Language, stage domain.Stage) string {
	return i.Get(lang, "stage."+string(stage))
}

// FormatLocator renders a locator like "Al-Fatihah 1-7"
func FormatLocator(lang domain.Language, i18n domain.I18nPort, loc domain.Locator) string {
	name := strings.TrimSpace(i18n.GetSurahName(lang, loc.Surah))
	if loc.FromAyah == loc.ToAyah {
		return fmt.Sprintf("%s %d", name, loc.FromAyah)
	}
	return fmt.Sprintf("%s %d-%d", name, loc.FromAyah, loc.ToAyah)
}
