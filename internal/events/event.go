// Package events provides the security event model and the DynamoDB-backed event store.
package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// AllTenants is the tenant value meaning "no tenant partitioning".
const AllTenants = "all"

// IsAllTenants reports whether tenant selects every tenant.
func IsAllTenants(tenant string) bool {
	t := strings.TrimSpace(tenant)
	return t == "" || strings.EqualFold(t, AllTenants)
}

// RefKind distinguishes the two stored technique entry shapes.
type RefKind int

const (
	// KindID is a bare technique identifier string.
	KindID RefKind = iota
	// KindRef is a structured entry carrying an identifier and mapping details.
	KindRef
)

// TechniqueRef is one technique entry on an event, resolved at decode time.
type TechniqueRef struct {
	Kind       RefKind `json:"-"`
	ID         string  `json:"id"`
	Tactic     string  `json:"tactic,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// idFields lists the identifier keys seen on structured entries, newest first.
var idFields = []string{"id", "techniqueID", "technique_id", "techniqueId"}

// Event is a read-only security event as stored by the ingestion pipeline.
type Event struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Action     string         `json:"action,omitempty"`
	Text       string         `json:"text,omitempty"`
	Techniques []TechniqueRef `json:"techniques"`

	// TechniquesMalformed is set when the stored list could not be parsed.
	TechniquesMalformed bool `json:"-"`
}

// TechniqueIDs returns the identifiers of every entry, duplicates included.
func (e Event) TechniqueIDs() []string {
	ids := make([]string, 0, len(e.Techniques))
	for _, t := range e.Techniques {
		ids = append(ids, t.ID)
	}
	return ids
}

// Decode converts a generic item (as unmarshalled from the store) into an Event.
func Decode(item map[string]any) Event {
	e := Event{
		ID:       firstString(item, "event_id", "id", "messageId"),
		TenantID: firstString(item, "customerId", "tenantId"),
		Action:   firstString(item, "apex_action", "action"),
		Text:     firstString(item, "summary", "cmdline", "subject", "body"),
	}

	for _, key := range []string{"timestamp", "quarantineTimestamp", "createdAt"} {
		if ts, ok := parseTime(item[key]); ok {
			e.Timestamp = ts
			break
		}
	}

	e.Techniques, e.TechniquesMalformed = DecodeTechniques(item["techniques"])
	return e
}

// DecodeTechniques resolves a stored techniques attribute. A JSON string is
// parsed, a list is used directly, and an absent value yields nothing. The
// second result reports an unparseable value; such events contribute nothing.
// Entries without a resolvable identifier are dropped.
func DecodeTechniques(raw any) ([]TechniqueRef, bool) {
	switch v := raw.(type) {
	case nil:
		return nil, false
	case string:
		var entries []any
		if err := json.Unmarshal([]byte(v), &entries); err != nil {
			return nil, true
		}
		return resolveEntries(entries), false
	case []any:
		return resolveEntries(v), false
	case []string:
		entries := make([]any, len(v))
		for i, s := range v {
			entries[i] = s
		}
		return resolveEntries(entries), false
	default:
		return nil, true
	}
}

func resolveEntries(entries []any) []TechniqueRef {
	refs := make([]TechniqueRef, 0, len(entries))
	for _, entry := range entries {
		if ref, ok := resolveEntry(entry); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func resolveEntry(entry any) (TechniqueRef, bool) {
	switch v := entry.(type) {
	case string:
		id := normalizeID(v)
		if id == "" {
			return TechniqueRef{}, false
		}
		return TechniqueRef{Kind: KindID, ID: id}, true
	case map[string]any:
		id := normalizeID(firstString(v, idFields...))
		if id == "" {
			return TechniqueRef{}, false
		}
		ref := TechniqueRef{
			Kind:   KindRef,
			ID:     id,
			Tactic: firstString(v, "tactic"),
			Reason: firstString(v, "reason"),
		}
		if c, ok := v["confidence"].(float64); ok {
			ref.Confidence = c
		}
		return ref, true
	default:
		return TechniqueRef{}, false
	}
}

// normalizeID upper-cases technique ids so "t1566" and "T1566" count together.
func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// parseTime accepts epoch seconds, epoch milliseconds, or RFC 3339 strings.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return fromEpoch(int64(t)), t > 0
	case int64:
		return fromEpoch(t), t > 0
	case int:
		return fromEpoch(int64(t)), t > 0
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), true
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil && n > 0 {
			return fromEpoch(n), true
		}
	}
	return time.Time{}, false
}

func fromEpoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
