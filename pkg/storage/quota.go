package storage

import (
	"errors"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// GetQuota implements the QuotaStore interface.
func (s *BadgerStore) GetQuota(owner string) (*models.QuotaProfile, error) {
	var profile *models.QuotaProfile
	err := s.view(func(tx *badgerTxn) error {
		var err error
		profile, err = tx.GetQuota(owner)
		return err
	})
	return profile, err
}

// PutQuota implements the QuotaStore interface.
func (s *BadgerStore) PutQuota(profile *models.QuotaProfile) error {
	return s.Update(func(tx Txn) error {
		return tx.PutQuota(profile)
	})
}

// EnsureQuota implements the QuotaStore interface.
func (s *BadgerStore) EnsureQuota(profile *models.QuotaProfile) (bool, error) {
	stored := false
	err := s.Update(func(tx Txn) error {
		stored = false
		_, err := tx.GetQuota(profile.Owner)
		if err == nil {
			return nil
		}
		if !errors.Is(err, utils.ErrNotFound) {
			return err
		}
		stored = true
		return tx.PutQuota(profile)
	})
	return stored, err
}
