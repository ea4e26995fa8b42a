// Package tenant resolves per-customer settings for the ATT&CK API.
package tenant

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ilminate/apex-attack/internal/events"
)

// HeaderCustomerID carries the tenant set by the upstream auth proxy.
const HeaderCustomerID = "X-Customer-Id"

// Registry errors.
var (
	ErrUnknownTenant   = errors.New("unknown tenant")
	ErrDuplicateTenant = errors.New("duplicate tenant id")
	ErrEmptyTenantID   = errors.New("tenant id is required")
	ErrTenantMismatch  = errors.New("tenant parameter does not match the authenticated customer")
)

// Tenant holds the settings for one customer.
type Tenant struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Tier          string `yaml:"tier" json:"tier"`
	MockData      bool   `yaml:"mock_data" json:"mock_data"`
	AttackReports bool   `yaml:"attack_reports" json:"attack_reports"`
}

// Defaults apply to tenants missing from the registry and to "all".
type Defaults struct {
	Tier          string `yaml:"tier"`
	MockData      bool   `yaml:"mock_data"`
	AttackReports bool   `yaml:"attack_reports"`
}

type registryFile struct {
	Defaults *Defaults `yaml:"defaults"`
	Tenants  []struct {
		ID            string `yaml:"id"`
		Name          string `yaml:"name"`
		Tier          string `yaml:"tier"`
		MockData      *bool  `yaml:"mock_data"`
		AttackReports *bool  `yaml:"attack_reports"`
	} `yaml:"tenants"`
}

// Registry is an immutable tenant lookup loaded at startup.
type Registry struct {
	defaults Defaults
	tenants  map[string]Tenant
}

// DefaultDefaults returns the settings used when no registry file is given.
func DefaultDefaults(tier string) Defaults {
	if tier == "" {
		tier = "basic"
	}
	return Defaults{Tier: tier, AttackReports: true}
}

// NewRegistry indexes tenants by lower-cased id.
func NewRegistry(defaults Defaults, tenants []Tenant) (*Registry, error) {
	r := &Registry{
		defaults: defaults,
		tenants:  make(map[string]Tenant, len(tenants)),
	}
	for _, t := range tenants {
		key := normalize(t.ID)
		if key == "" {
			return nil, ErrEmptyTenantID
		}
		if _, exists := r.tenants[key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTenant, t.ID)
		}
		if t.Tier == "" {
			t.Tier = defaults.Tier
		}
		r.tenants[key] = t
	}
	return r, nil
}

// Load reads a registry file. Per-tenant flags left unset inherit the defaults.
func Load(path string, defaults Defaults) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants file: %w", err)
	}

	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse tenants file: %w", err)
	}
	if rf.Defaults != nil {
		if rf.Defaults.Tier == "" {
			rf.Defaults.Tier = defaults.Tier
		}
		defaults = *rf.Defaults
	}

	tenants := make([]Tenant, 0, len(rf.Tenants))
	for _, entry := range rf.Tenants {
		t := Tenant{
			ID:            entry.ID,
			Name:          entry.Name,
			Tier:          entry.Tier,
			MockData:      defaults.MockData,
			AttackReports: defaults.AttackReports,
		}
		if entry.MockData != nil {
			t.MockData = *entry.MockData
		}
		if entry.AttackReports != nil {
			t.AttackReports = *entry.AttackReports
		}
		tenants = append(tenants, t)
	}

	return NewRegistry(defaults, tenants)
}

// Lookup returns a registered tenant.
func (r *Registry) Lookup(id string) (Tenant, error) {
	t, ok := r.tenants[normalize(id)]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	return t, nil
}

// Get returns a registered tenant or one built from the defaults.
func (r *Registry) Get(id string) Tenant {
	if t, err := r.Lookup(id); err == nil {
		return t
	}
	return Tenant{
		ID:            id,
		Tier:          r.defaults.Tier,
		MockData:      r.defaults.MockData,
		AttackReports: r.defaults.AttackReports,
	}
}

// MockEnabled reports whether the tenant sees demonstration data.
func (r *Registry) MockEnabled(id string) bool {
	return r.Get(id).MockData
}

// AttackReportsEnabled reports whether the tenant may use the ATT&CK views.
func (r *Registry) AttackReportsEnabled(id string) bool {
	return r.Get(id).AttackReports
}

// Tier returns the rate-limit tier for a tenant.
func (r *Registry) Tier(id string) string {
	return r.Get(id).Tier
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	return len(r.tenants)
}

// FromRequest resolves the tenant for a request. The customer header is
// authoritative: a tenant query parameter naming anyone else is rejected with
// ErrTenantMismatch. Without the header the query parameter is used, then all
// tenants.
func FromRequest(req *http.Request) (string, error) {
	query := strings.TrimSpace(req.URL.Query().Get("tenant"))
	header := strings.TrimSpace(req.Header.Get(HeaderCustomerID))

	switch {
	case header != "" && query != "" && normalize(query) != normalize(header):
		return "", fmt.Errorf("%w: %q", ErrTenantMismatch, query)
	case header != "":
		return header, nil
	case query != "":
		return query, nil
	default:
		return events.AllTenants, nil
	}
}

// Identity returns the tenant whose settings govern a request, preferring the
// customer header over the query parameter.
func Identity(req *http.Request) string {
	if t := strings.TrimSpace(req.Header.Get(HeaderCustomerID)); t != "" {
		return t
	}
	if t := strings.TrimSpace(req.URL.Query().Get("tenant")); t != "" {
		return t
	}
	return events.AllTenants
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
