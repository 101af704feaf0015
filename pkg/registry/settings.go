package registry

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// UISettings holds the user-facing preferences persisted alongside the
// registry. Unknown values are normalized back to defaults on read.
type UISettings struct {
	Language            string `json:"language"`
	Theme               string `json:"theme"`
	WindowCloseBehavior string `json:"window_close_behavior"`
}

// UISettingsUpdate carries a partial settings update; nil fields are
// left unchanged.
type UISettingsUpdate struct {
	Language            *string `json:"language"`
	Theme               *string `json:"theme"`
	WindowCloseBehavior *string `json:"window_close_behavior"`
}

var (
	uiLanguages      = map[string]bool{"zh-CN": true, "en-US": true}
	uiThemes         = map[string]bool{"light": true, "dark": true}
	uiCloseBehaviors = map[string]bool{"exit": true, "minimize_to_tray": true}
)

func defaultUISettings() UISettings {
	return UISettings{
		Language:            "zh-CN",
		Theme:               "light",
		WindowCloseBehavior: "exit",
	}
}

type settingsDocument struct {
	Version   int        `json:"version"`
	UI        UISettings `json:"ui"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func defaultSettingsDocument() settingsDocument {
	return settingsDocument{
		Version:   1,
		UI:        defaultUISettings(),
		UpdatedAt: time.Now().UTC(),
	}
}

func (s *Store) readSettings() settingsDocument {
	var doc settingsDocument
	if err := readJSONFile(s.paths.SettingsFile, &doc); err != nil {
		// Settings are reconstructible; a corrupt file is replaced with
		// defaults rather than blocking startup.
		doc = defaultSettingsDocument()
		_ = writeJSONFile(s.paths.SettingsFile, doc)
	}
	return doc
}

func normalizeUISettings(raw UISettings) UISettings {
	defaults := defaultUISettings()
	normalized := UISettings{
		Language:            strings.TrimSpace(raw.Language),
		Theme:               strings.TrimSpace(raw.Theme),
		WindowCloseBehavior: strings.TrimSpace(raw.WindowCloseBehavior),
	}
	if !uiLanguages[normalized.Language] {
		normalized.Language = defaults.Language
	}
	if !uiThemes[normalized.Theme] {
		normalized.Theme = defaults.Theme
	}
	if !uiCloseBehaviors[normalized.WindowCloseBehavior] {
		normalized.WindowCloseBehavior = defaults.WindowCloseBehavior
	}
	return normalized
}

// UISettings returns the normalized UI settings, rewriting the file
// when normalization changed anything.
func (s *Store) UISettings() (UISettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readSettings()
	normalized := normalizeUISettings(doc.UI)
	if normalized != doc.UI {
		doc.UI = normalized
		doc.UpdatedAt = time.Now().UTC()
		if err := writeJSONFile(s.paths.SettingsFile, doc); err != nil {
			return UISettings{}, err
		}
	}
	return normalized, nil
}

// UpdateUISettings applies a partial update, validating each supplied
// field against its allowed values.
func (s *Store) UpdateUISettings(update UISettingsUpdate) (UISettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readSettings()
	next := normalizeUISettings(doc.UI)

	if update.Language != nil {
		language := strings.TrimSpace(*update.Language)
		if !uiLanguages[language] {
			return UISettings{}, errors.Errorf("invalid language %q", language)
		}
		next.Language = language
	}
	if update.Theme != nil {
		theme := strings.TrimSpace(*update.Theme)
		if !uiThemes[theme] {
			return UISettings{}, errors.Errorf("invalid theme %q", theme)
		}
		next.Theme = theme
	}
	if update.WindowCloseBehavior != nil {
		behavior := strings.TrimSpace(*update.WindowCloseBehavior)
		if !uiCloseBehaviors[behavior] {
			return UISettings{}, errors.Errorf("invalid window_close_behavior %q", behavior)
		}
		next.WindowCloseBehavior = behavior
	}

	doc.UI = next
	doc.UpdatedAt = time.Now().UTC()
	if err := writeJSONFile(s.paths.SettingsFile, doc); err != nil {
		return UISettings{}, err
	}
	return next, nil
}
