package dedup

import (
	"fmt"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

// LeadIndex looks up existing leads by company identity.
// storage.Txn satisfies it, so the check runs inside the transaction that
// creates the lead.
type LeadIndex interface {
	FindLeadByCompany(owner, company string) (leadID string, found bool, err error)
}

// IsDuplicate reports whether the owner already has a lead for this exact company.
// Matching is case-sensitive with no fuzzy comparison. An empty company never matches.
func IsDuplicate(idx LeadIndex, ownerID, company string) (bool, string, error) {
	if ownerID == "" || company == "" {
		return false, "", nil
	}
	leadID, found, err := idx.FindLeadByCompany(ownerID, company)
	if err != nil {
		return false, "", fmt.Errorf("%w: duplicate lookup for owner '%s': %w", utils.ErrDatabase, ownerID, err)
	}
	if !found {
		return false, "", nil
	}
	return true, leadID, nil
}
