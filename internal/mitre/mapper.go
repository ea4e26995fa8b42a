package mitre

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Mapping represents a technique mapping for a piece of event text.
type Mapping struct {
	TechniqueID   string   `json:"id"`
	TechniqueName string   `json:"name,omitempty"`
	Tactic        string   `json:"tactic"`
	AllTactics    []string `json:"tactics_all,omitempty"`
	Confidence    float64  `json:"confidence"` // 0.0 - 1.0
	Evidence      string   `json:"reason"`
}

// Rule maps a text pattern to a technique.
type Rule struct {
	Pattern     *regexp.Regexp
	TechniqueID string
	Tactic      string
	Confidence  float64
	Evidence    string
}

type ruleFile struct {
	Rules []struct {
		Pattern    string  `yaml:"pattern"`
		Technique  string  `yaml:"technique"`
		Tactic     string  `yaml:"tactic"`
		Confidence float64 `yaml:"confidence"`
		Reason     string  `yaml:"reason"`
	} `yaml:"rules"`
}

// Mapper applies text rules and enriches matches from the catalog.
type Mapper struct {
	rules   []Rule
	catalog *Catalog
}

// NewMapper creates a mapper. A nil rule set uses StarterRules.
func NewMapper(catalog *Catalog, rules []Rule) *Mapper {
	if rules == nil {
		rules = StarterRules()
	}
	return &Mapper{rules: rules, catalog: catalog}
}

// LoadRules reads mapping rules from a YAML file. Patterns are case-insensitive.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	for i, r := range rf.Rules {
		rx, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Technique, err)
		}
		if r.Technique == "" {
			return nil, fmt.Errorf("rule %d: %w", i, ErrEmptyTechniqueID)
		}
		rules = append(rules, Rule{
			Pattern:     rx,
			TechniqueID: r.Technique,
			Tactic:      r.Tactic,
			Confidence:  r.Confidence,
			Evidence:    r.Reason,
		})
	}

	return rules, nil
}

// StarterRules returns the built-in email and endpoint rules.
func StarterRules() []Rule {
	rule := func(pattern, id, tactic string, confidence float64, evidence string) Rule {
		return Rule{
			Pattern:     regexp.MustCompile("(?i)" + pattern),
			TechniqueID: id,
			Tactic:      tactic,
			Confidence:  confidence,
			Evidence:    evidence,
		}
	}

	return []Rule{
		rule(`(spoofed|phish|credential\s*harvest|fake\s*login|invoice\s*scam)`,
			"T1566", "Initial Access", 0.9, "Rule: email/phish keywords"),
		rule(`(html\s*smuggl|onclick=.*download|data:text/html|blob:)`,
			"T1027", "Defense Evasion", 0.7, "Rule: HTML smuggling indicators"),
		rule(`\.(docm|xlsm|pptm)\b`,
			"T1204.002", "Execution", 0.85, "Rule: macro-enabled attachment"),
		rule(`powershell.*-enc(oded)?command`,
			"T1059.001", "Execution", 0.9, "Rule: PS encoded command"),
		rule(`\bschtasks(\.exe)?\b`,
			"T1053", "Persistence", 0.8, "Rule: schtasks usage"),
		rule(`\\Software\\(Microsoft\\Windows\\CurrentVersion\\Run|RunOnce)`,
			"T1547.001", "Persistence", 0.8, "Rule: Run keys modified"),
		rule(`\b(sc\.exe|New-Service)\b`,
			"T1543.003", "Persistence", 0.7, "Rule: Service install"),
		rule(`\b(mshta|rundll32|regsvr32|bitsadmin)\b`,
			"T1218", "Defense Evasion", 0.7, "Rule: LOLBins found"),
		rule(`(winword|excel|powerpnt).*(wscript|cscript)`,
			"T1204", "Execution", 0.75, "Rule: Office spawning script host"),
		rule(`(lsass\.dmp|mimikatz|sekurlsa|procdump.*lsass)`,
			"T1003", "Credential Access", 0.9, "Rule: Cred dumping indicators"),
		rule(`\.(zip|rar|7z).*\.(exe|scr|js)\b`,
			"T1036", "Defense Evasion", 0.7, "Rule: Archive with dual extension"),
		rule(`(undeliver(ed|able)|docusign|o365|mfa reset|shared document)`,
			"T1566.002", "Initial Access", 0.8, "Rule: common brand lure"),
	}
}

// Map returns every rule that matches text, in rule order.
func (m *Mapper) Map(text string) []Mapping {
	mappings := make([]Mapping, 0)
	if text == "" {
		return mappings
	}

	for _, r := range m.rules {
		if !r.Pattern.MatchString(text) {
			continue
		}
		mapping := Mapping{
			TechniqueID: r.TechniqueID,
			Tactic:      r.Tactic,
			Confidence:  r.Confidence,
			Evidence:    r.Evidence,
		}
		if m.catalog != nil {
			if t, ok := m.catalog.Lookup(r.TechniqueID); ok {
				mapping.TechniqueName = t.Name
				mapping.AllTactics = tacticNames(t.Tactics)
			}
		}
		mappings = append(mappings, mapping)
	}

	return mappings
}

func tacticNames(shortNames []string) []string {
	names := make([]string, 0, len(shortNames))
	for _, s := range shortNames {
		if t, ok := GetTactic(s); ok {
			names = append(names, t.Name)
		}
	}
	return names
}
