package storage

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// PutStructure implements the LeadStore interface.
func (s *BadgerStore) PutStructure(structure *models.Structure) error {
	return s.Update(func(tx Txn) error {
		return tx.PutStructure(structure)
	})
}

// GetStructure implements the LeadStore interface.
func (s *BadgerStore) GetStructure(structureID string) (*models.Structure, error) {
	var structure *models.Structure
	err := s.view(func(tx *badgerTxn) error {
		var err error
		structure, err = tx.GetStructure(structureID)
		return err
	})
	return structure, err
}

// GetLead implements the LeadStore interface.
func (s *BadgerStore) GetLead(leadID string) (*models.Lead, error) {
	var lead models.Lead
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, leadKey(leadID), &lead)
	})
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// ListLeads implements the LeadStore interface.
func (s *BadgerStore) ListLeads(ctx context.Context, owner string, limit int) ([]*models.Lead, error) {
	var leads []*models.Lead
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true // Newest first
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(ownerLeadKeyPrefix + owner + "|")
		// Reverse iteration must start past the last key carrying the prefix
		seekKey := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			leadID, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var lead models.Lead
			if err := getJSON(txn, leadKey(string(leadID)), &lead); err != nil {
				s.log.Warnf("Owner index points at unreadable lead '%s': %v", string(leadID), err)
				continue
			}
			leads = append(leads, &lead)
			if limit > 0 && len(leads) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing leads for '%s': %w", utils.ErrDatabase, owner, err)
	}
	return leads, nil
}

// ListResults implements the LeadStore interface.
func (s *BadgerStore) ListResults(ctx context.Context, taskID string) ([]*models.ScrapingResult, error) {
	var results []*models.ScrapingResult
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(ctx, s, txn, resultKeyPrefix+taskID+"|", func(r *models.ScrapingResult) bool {
			results = append(results, r)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing results for task '%s': %w", utils.ErrDatabase, taskID, err)
	}
	return results, nil
}
