// Package i18n renders user-facing strings in the supported languages.
//
// Catalogs live in locales/<lang>.yaml as go-i18n message files and use
// text/template placeholders ({{.company}}). Reminder texts are plural-aware
// on the lead in minutes. Unknown languages fall back to Ukrainian, unknown
// keys render as the key itself so a missing string is visible but harmless.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"go.yaml.in/yaml/v3"
	"golang.org/x/text/language"

	"svitlobot/internal/outage"
)

// Message keys.
const (
	KeyReminderOff  = string(outage.ReminderOff)
	KeyNotifyOff    = string(outage.NotifyOff)
	KeyReminderOn   = string(outage.ReminderOn)
	KeyNotifyOn     = string(outage.NotifyOn)
	KeyUpdateNotify = "update_notify"

	KeyStart          = "start"
	KeyLangSet        = "lang_set"
	KeyLangUsage      = "lang_usage"
	KeySubOK          = "sub_ok"
	KeySubExists      = "sub_exists"
	KeySubLimit       = "sub_limit"
	KeySubUsage       = "sub_usage"
	KeyUnknownTarget  = "unknown_target"
	KeyUnsubOK        = "unsub_ok"
	KeyUnsubMissing   = "unsub_missing"
	KeyMyEmpty        = "my_empty"
	KeyMyHeader       = "my_header"
	KeyNotifyUsage    = "notify_usage"
	KeyNotifySet      = "notify_set"
	KeyTodayNone      = "today_none"
	KeyTodayHeader    = "today_header"
	KeyTechWork       = "tech_work"
	KeyInternalError  = "internal_error"
	KeyUnknownCommand = "unknown_command"
)

// DefaultLead is the reminder lead assumed when none is given.
const DefaultLead = 10 * time.Minute

//go:embed locales/*.yaml
var localeFS embed.FS

var localizers map[string]*goi18n.Localizer

func init() {
	b, err := newBundle(localeFS)
	if err != nil {
		panic(fmt.Sprintf("i18n: %v", err))
	}
	localizers = make(map[string]*goi18n.Localizer, len(b.LanguageTags()))
	for _, tag := range b.LanguageTags() {
		localizers[tag.String()] = goi18n.NewLocalizer(b, tag.String())
	}
}

func newBundle(fsys fs.FS) (*goi18n.Bundle, error) {
	b := goi18n.NewBundle(language.MustParse(outage.DefaultLanguage))
	b.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)
	files, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, err
	}
	for _, name := range files {
		if _, err := b.LoadMessageFileFS(fsys, name); err != nil {
			return nil, fmt.Errorf("load %s: %w", path.Base(name), err)
		}
	}
	return b, nil
}

// Vars are placeholder values for Text.
type Vars map[string]string

// Languages lists supported language codes, sorted.
func Languages() []string {
	out := make([]string, 0, len(localizers))
	for k := range localizers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether lang has its own catalog.
func Supported(lang string) bool {
	_, ok := localizers[normalize(lang)]
	return ok
}

// Text renders key in lang with vars substituted.
func Text(lang, key string, vars Vars) string {
	return render(lang, key, vars, nil)
}

// Localize renders one of the four outage notifications with the default lead.
func Localize(lang string, kind outage.Kind, company, queue string) string {
	return LocalizeLead(lang, kind, company, queue, DefaultLead)
}

// LocalizeLead renders an outage notification; reminders mention lead in
// whole minutes. A non-positive lead means DefaultLead.
func LocalizeLead(lang string, kind outage.Kind, company, queue string, lead time.Duration) string {
	if lead <= 0 {
		lead = DefaultLead
	}
	minutes := int(lead.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	vars := Vars{"company": company, "queue": queue, "minutes": strconv.Itoa(minutes)}
	if kind != outage.ReminderOff && kind != outage.ReminderOn {
		// only reminders carry plural forms
		return render(lang, string(kind), vars, nil)
	}
	return render(lang, string(kind), vars, minutes)
}

func render(lang, key string, vars Vars, count any) string {
	loc, ok := localizers[normalize(lang)]
	if !ok {
		loc = localizers[outage.DefaultLanguage]
	}
	data := map[string]string(vars)
	if data == nil {
		data = map[string]string{}
	}
	msg, err := loc.Localize(&goi18n.LocalizeConfig{MessageID: key, TemplateData: data, PluralCount: count})
	if err != nil && msg == "" {
		return key
	}
	return msg
}

func normalize(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}
