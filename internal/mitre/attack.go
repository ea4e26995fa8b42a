// Package mitre provides the MITRE ATT&CK technique catalog and text mapping rules.
package mitre

import (
	"errors"
	"fmt"
	"strings"
)

// Catalog errors.
var (
	ErrEmptyTechniqueID   = errors.New("technique id is required")
	ErrDuplicateTechnique = errors.New("duplicate technique id")
	ErrNoTactics          = errors.New("technique has no tactics")
	ErrUnknownTactic      = errors.New("unknown tactic")
)

// Technique represents a MITRE ATT&CK technique or sub-technique.
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1059.001"
	Name    string   `json:"name"`    // e.g., "PowerShell"
	Tactics []string `json:"tactics"` // short names, e.g., ["execution"]
	URL     string   `json:"url"`
}

// HasTactic reports whether the technique belongs to the tactic.
func (t Technique) HasTactic(shortName string) bool {
	for _, tac := range t.Tactics {
		if tac == shortName {
			return true
		}
	}
	return false
}

// Tactic represents a MITRE ATT&CK tactic (kill-chain stage).
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // e.g., "execution"
	URL       string `json:"url"`
}

var tacticOrder = []Tactic{
	{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
	{ID: "TA0042", Name: "Resource Development", ShortName: "resource-development"},
	{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
	{ID: "TA0002", Name: "Execution", ShortName: "execution"},
	{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
	{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
	{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
	{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
	{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
	{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
	{ID: "TA0009", Name: "Collection", ShortName: "collection"},
	{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
	{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
	{ID: "TA0040", Name: "Impact", ShortName: "impact"},
}

var tacticIndex = func() map[string]Tactic {
	idx := make(map[string]Tactic, len(tacticOrder)*2)
	for _, t := range tacticOrder {
		idx[t.ShortName] = t
		idx[strings.ToLower(t.ID)] = t
	}
	return idx
}()

// TacticOrder returns the enterprise tactics in kill-chain order,
// reconnaissance through impact.
func TacticOrder() []Tactic {
	out := make([]Tactic, len(tacticOrder))
	for i, t := range tacticOrder {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		out[i] = t
	}
	return out
}

// GetTactic resolves a tactic by ID, short name, or display name in any case.
// "Command And Control", "command-and-control" and "TA0011" resolve to the same tactic.
func GetTactic(name string) (Tactic, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.Join(strings.Fields(key), "-")
	t, ok := tacticIndex[key]
	return t, ok
}

// Catalog is an immutable technique lookup. Build it once at startup and share it.
type Catalog struct {
	techniques []Technique
	byID       map[string]int
}

// NewCatalog validates and indexes techniques, preserving their order.
// Tactic names are normalized to short names.
func NewCatalog(techniques []Technique) (*Catalog, error) {
	c := &Catalog{
		techniques: make([]Technique, 0, len(techniques)),
		byID:       make(map[string]int, len(techniques)),
	}

	for _, t := range techniques {
		id := strings.ToUpper(strings.TrimSpace(t.ID))
		if id == "" {
			return nil, ErrEmptyTechniqueID
		}
		if _, exists := c.byID[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTechnique, id)
		}
		if len(t.Tactics) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoTactics, id)
		}

		tactics := make([]string, 0, len(t.Tactics))
		for _, name := range t.Tactics {
			tac, ok := GetTactic(name)
			if !ok {
				return nil, fmt.Errorf("%w: %q on %s", ErrUnknownTactic, name, id)
			}
			tactics = append(tactics, tac.ShortName)
		}

		entry := Technique{
			ID:      id,
			Name:    t.Name,
			Tactics: tactics,
			URL:     t.URL,
		}
		if entry.URL == "" {
			entry.URL = techniqueURL(id)
		}

		c.byID[id] = len(c.techniques)
		c.techniques = append(c.techniques, entry)
	}

	return c, nil
}

// Techniques returns a copy of all entries in catalog order.
func (c *Catalog) Techniques() []Technique {
	out := make([]Technique, len(c.techniques))
	for i, t := range c.techniques {
		t.Tactics = append([]string(nil), t.Tactics...)
		out[i] = t
	}
	return out
}

// Lookup returns a technique by ID.
func (c *Catalog) Lookup(id string) (Technique, bool) {
	i, ok := c.byID[strings.ToUpper(strings.TrimSpace(id))]
	if !ok {
		return Technique{}, false
	}
	t := c.techniques[i]
	t.Tactics = append([]string(nil), t.Tactics...)
	return t, true
}

// Len returns the number of techniques.
func (c *Catalog) Len() int {
	return len(c.techniques)
}

// DefaultCatalog returns the built-in metadata for the starter mapping rules.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Technique{
		{ID: "T1566", Name: "Phishing", Tactics: []string{"Initial Access"}},
		{ID: "T1059.001", Name: "PowerShell", Tactics: []string{"Execution"}},
		{ID: "T1053", Name: "Scheduled Task/Job", Tactics: []string{"Persistence", "Privilege Escalation", "Execution"}},
		{ID: "T1547.001", Name: "Registry Run Keys/Startup Folder", Tactics: []string{"Persistence", "Privilege Escalation"}},
		{ID: "T1218", Name: "Signed Binary Proxy Execution", Tactics: []string{"Defense Evasion"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"Execution"}},
		{ID: "T1204.002", Name: "User Execution: Malicious File", Tactics: []string{"Execution"}},
		{ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"Credential Access"}},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"Defense Evasion"}},
		{ID: "T1036", Name: "Masquerading", Tactics: []string{"Defense Evasion"}},
		{ID: "T1566.002", Name: "Phishing: Spearphishing Link", Tactics: []string{"Initial Access"}},
		{ID: "T1543.003", Name: "Create or Modify System Process: Windows Service", Tactics: []string{"Persistence", "Privilege Escalation"}},
	})
	if err != nil {
		panic(err)
	}
	return c
}

func techniqueURL(id string) string {
	return fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(id, ".", "/"))
}
