package validate

import (
	"strings"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/normalize"
)

// Reason explains why a record was not accepted for lead creation.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonMissingEmail    Reason = "missing_email"    // A required contact email is absent: hard stop
	ReasonMissingRequired Reason = "missing_required" // A required non-descriptive field is absent
	ReasonNoIdentity      Reason = "no_identity"      // Only descriptive fields are missing but nothing names the company
)

// Assessment is the verdict on one normalized record against a schema.
type Assessment struct {
	Complete      bool
	MissingFields []string // Required fields without a value, in schema order
	Accept        bool     // A lead may be created from this record
	Reason        Reason
}

// descriptiveKeys are company metadata whose absence never blocks lead creation.
var descriptiveKeys = map[string]bool{
	"sector": true, "secteur": true, "secteur_activite": true, "secteur_activité": true,
	"industry": true, "domaine": true, "activite": true,
	"description": true, "description_entreprise": true,
	"size": true, "taille": true, "taille_entreprise": true, "company_size": true, "effectif": true,
	"website": true, "site_web": true, "site": true, "url": true, "site_internet": true,
	"address": true, "adresse": true, "adresse_postale": true,
	"linkedin": true, "linkedin_url": true,
	"chiffre_d_affaires": true, "capital": true, "siret": true, "siren": true,
}

// descriptiveSlots cover aliases not listed in descriptiveKeys.
var descriptiveSlots = map[normalize.Slot]bool{
	normalize.SlotIndustry: true,
	normalize.SlotWebsite:  true,
	normalize.SlotLinkedIn: true,
}

// IsDescriptive reports whether a schema field is company-descriptive metadata.
func IsDescriptive(field string) bool {
	key := normalize.Key(field)
	if descriptiveKeys[key] {
		return true
	}
	slot, ok := normalize.Resolve(field)
	return ok && descriptiveSlots[slot]
}

// isContactEmail reports whether a required field asks for the contact's email.
func isContactEmail(f models.FieldDescriptor) bool {
	if f.Type == models.FieldTypeEmail {
		return true
	}
	slot, ok := normalize.Resolve(f.Name)
	return ok && slot == normalize.SlotEmail
}

// Validate determines completeness and the missing required fields.
// Adding a field to a record never turns a complete record incomplete.
func Validate(rec normalize.Record, fields []models.FieldDescriptor) (isComplete bool, missingFields []string) {
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if v, _ := normalize.Lookup(rec, f.Name); strings.TrimSpace(v) == "" {
			missingFields = append(missingFields, f.Name)
		}
	}
	return len(missingFields) == 0, missingFields
}

// Assess extends Validate with the lead-creation decision: a missing contact
// email rejects the record outright, missing descriptive metadata only marks
// the lead incomplete, anything else rejects it.
func Assess(rec normalize.Record, fields []models.FieldDescriptor) Assessment {
	complete, missing := Validate(rec, fields)
	a := Assessment{Complete: complete, MissingFields: missing}
	if complete {
		a.Accept = true
		return a
	}

	byName := make(map[string]models.FieldDescriptor, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}

	allDescriptive := true
	for _, name := range missing {
		f := byName[name]
		if isContactEmail(f) {
			a.Reason = ReasonMissingEmail
			return a
		}
		if !IsDescriptive(name) {
			allDescriptive = false
		}
	}
	if !allDescriptive {
		a.Reason = ReasonMissingRequired
		return a
	}
	// Leads are deduplicated by company, so a person name alone is no identity
	if rec.Get(normalize.SlotCompany) == "" {
		a.Reason = ReasonNoIdentity
		return a
	}
	a.Accept = true
	return a
}
