package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// EnsureSites implements the SiteStore interface.
func (s *BadgerStore) EnsureSites(structureID string, urls []string) ([]*models.ScrapedSite, error) {
	var sites []*models.ScrapedSite
	err := s.Update(func(tx Txn) error {
		sites = sites[:0]
		for _, u := range urls {
			site, err := tx.GetSite(structureID, u)
			if errors.Is(err, utils.ErrNotFound) {
				site = &models.ScrapedSite{URL: u, StructureID: structureID, Domain: domainOf(u)}
				if err := tx.PutSite(site); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			sites = append(sites, site)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sites, nil
}

// RecordSiteAttempt implements the SiteStore interface.
func (s *BadgerStore) RecordSiteAttempt(structureID, siteURL string, success bool, errMsg string, rateLimitWindow time.Duration) (*models.ScrapedSite, error) {
	var updated *models.ScrapedSite
	err := s.Update(func(tx Txn) error {
		site, err := tx.GetSite(structureID, siteURL)
		if errors.Is(err, utils.ErrNotFound) {
			site = &models.ScrapedSite{URL: siteURL, StructureID: structureID, Domain: domainOf(siteURL)}
		} else if err != nil {
			return err
		}
		site.RecordAttempt(success, errMsg, tx.Now(), rateLimitWindow)
		if err := tx.PutSite(site); err != nil {
			return err
		}
		updated = site
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording attempt for site '%s': %w", siteURL, err)
	}
	return updated, nil
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
