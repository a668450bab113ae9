package inject

import (
	"path/filepath"
	"sort"
	"strings"
)

// Rule maps matching process names to a method. Rules are evaluated in order
// and the first match wins.
type Rule struct {
	Name   string
	Match  func(process string) bool
	Method Method
}

// ContainsAny matches process names containing any of names.
func ContainsAny(names ...string) func(string) bool {
	return func(process string) bool {
		for _, n := range names {
			if strings.Contains(process, n) {
				return true
			}
		}
		return false
	}
}

func always(string) bool { return true }

// DefaultRules send editors keystrokes, browsers a paste and consoles
// character messages.
var DefaultRules = []Rule{
	{
		Name:   "editors",
		Match:  ContainsAny("notepad", "winword", "wordpad", "code", "sublime", "gedit", "kate", "soffice", "textedit"),
		Method: MethodKeySimulation,
	},
	{
		Name:   "browsers",
		Match:  ContainsAny("chrome", "firefox", "msedge", "opera", "brave", "safari", "vivaldi"),
		Method: MethodClipboard,
	},
	{
		Name:   "consoles",
		Match:  ContainsAny("cmd", "powershell", "pwsh", "windowsterminal", "conhost"),
		Method: MethodWindowMessage,
	},
}

// DefaultRule applies when nothing else matched.
var DefaultRule = Rule{Name: "default", Match: always, Method: MethodClipboard}

// BuildRules orders the rule table: per-process overrides (longest key
// first), then a non-auto global method, then DefaultRules, then DefaultRule.
func BuildRules(cfg Config) []Rule {
	keys := make([]string, 0, len(cfg.Overrides))
	for k, m := range cfg.Overrides {
		if m == MethodAuto || strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	rules := make([]Rule, 0, len(keys)+len(DefaultRules)+2)
	for _, k := range keys {
		sub := strings.ToLower(strings.TrimSpace(k))
		rules = append(rules, Rule{
			Name:   "override:" + sub,
			Match:  ContainsAny(sub),
			Method: cfg.Overrides[k],
		})
	}
	if cfg.Method != MethodAuto {
		rules = append(rules, Rule{Name: "configured", Match: always, Method: cfg.Method})
	}
	rules = append(rules, DefaultRules...)
	return append(rules, DefaultRule)
}

// NormalizeProcessName lowercases name and strips any directory and .exe suffix.
func NormalizeProcessName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.ToLower(filepath.Base(strings.TrimSpace(name)))
	if name == "." || name == "/" {
		return ""
	}
	return strings.TrimSuffix(name, ".exe")
}

// Resolve returns the first rule matching process.
func Resolve(rules []Rule, process string) Rule {
	p := NormalizeProcessName(process)
	for _, r := range rules {
		if r.Match(p) {
			return r
		}
	}
	return DefaultRule
}
