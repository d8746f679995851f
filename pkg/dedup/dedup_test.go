package dedup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

type mapIndex map[string]string

func (m mapIndex) FindLeadByCompany(owner, company string) (string, bool, error) {
	id, ok := m[owner+"|"+company]
	return id, ok, nil
}

type failingIndex struct{}

func (failingIndex) FindLeadByCompany(string, string) (string, bool, error) {
	return "", false, errors.New("disk gone")
}

func TestIsDuplicate(t *testing.T) {
	idx := mapIndex{"u1|Acme": "lead-1"}

	tests := []struct {
		name    string
		owner   string
		company string
		dup     bool
		leadID  string
	}{
		{"exact match", "u1", "Acme", true, "lead-1"},
		{"case sensitive", "u1", "ACME", false, ""},
		{"whitespace matters", "u1", "Acme ", false, ""},
		{"other owner", "u2", "Acme", false, ""},
		{"empty company", "u1", "", false, ""},
		{"empty owner", "", "Acme", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dup, leadID, err := IsDuplicate(idx, tt.owner, tt.company)
			require.NoError(t, err)
			assert.Equal(t, tt.dup, dup)
			assert.Equal(t, tt.leadID, leadID)
		})
	}
}

func TestIsDuplicate_IndexError(t *testing.T) {
	_, _, err := IsDuplicate(failingIndex{}, "u1", "Acme")
	assert.ErrorIs(t, err, utils.ErrDatabase)
}
