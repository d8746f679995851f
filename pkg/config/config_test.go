package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/leadforge/lead-scraper/pkg/models"
)

func intPtr(i int) *int {
	return &i
}

const sampleYAML = `
num_workers: 2
state_dir: /tmp/leads
pipeline:
  per_site_page_cap: 3
  fallback_owner: system
  company_from_name_fallback: true
extraction:
  provider: none
structures:
  mairies:
    owner: u1
    name: Mairies
    entity_type: mairie
    fields:
      - {name: nom_entreprise, type: text, required: true}
      - {name: email, type: email, required: true}
      - {name: site_web, type: url}
accounts:
  u1:
    plan: premium
`

func TestAppConfig_UnmarshalYAML(t *testing.T) {
	var cfg AppConfig
	require.NoError(t, yaml.Unmarshal([]byte(sampleYAML), &cfg))

	assert.Equal(t, 2, cfg.NumWorkers)
	assert.Equal(t, 3, cfg.Pipeline.PerSitePageCap)
	assert.True(t, cfg.Pipeline.CompanyFromNameFallback)
	require.Contains(t, cfg.Structures, "mairies")
	s := cfg.Structures["mairies"]
	require.Len(t, s.Fields, 3)
	assert.Equal(t, models.FieldTypeEmail, s.Fields[1].Type)
	assert.True(t, s.Fields[1].Required)
	assert.Equal(t, "premium", cfg.Accounts["u1"].Plan)
}

func TestStructureConfig_ToStructure(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sc := StructureConfig{
		Owner:  "u1",
		Fields: []models.FieldDescriptor{{Name: "email", Type: models.FieldTypeEmail, Required: true}},
	}

	s := sc.ToStructure("contacts", now)
	assert.Equal(t, "contacts", s.ID)
	assert.Equal(t, "contacts", s.Name, "name falls back to the key")
	assert.Equal(t, "u1", s.Owner)
	assert.Equal(t, []string{"email"}, s.RequiredFields())

	// The model owns its own copy of the field list
	sc.Fields[0].Name = "changed"
	assert.Equal(t, "email", s.Fields[0].Name)
}

func TestAccountConfig_ToQuotaProfile(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		account   AccountConfig
		quota     int
		unlimited bool
	}{
		{"plan default", AccountConfig{Plan: "classic"}, 100, false},
		{"override", AccountConfig{Plan: "free", LeadsQuota: intPtr(12)}, 12, false},
		{"lifetime", AccountConfig{Plan: "lifetime"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.account.ToQuotaProfile("u1", now)
			assert.Equal(t, tt.quota, p.LeadsQuota)
			assert.Equal(t, tt.unlimited, p.UnlimitedLeads)
			assert.Equal(t, now, p.LastReset)
		})
	}
}

func TestGetEffectiveUserAgent(t *testing.T) {
	assert.Equal(t, "custom/1", GetEffectiveUserAgent(AppConfig{DefaultUserAgent: "custom/1"}))
	assert.Contains(t, GetEffectiveUserAgent(AppConfig{}), "lead-scraper")
}
