package normalize

// Slot is a canonical lead attribute that extracted fields are mapped onto.
type Slot string

const (
	SlotName     Slot = "name"
	SlotEmail    Slot = "email"
	SlotPhone    Slot = "phone"
	SlotCompany  Slot = "company"
	SlotPosition Slot = "position"
	SlotIndustry Slot = "industry"
	SlotWebsite  Slot = "website"  // Auxiliary: value stays in the additional bag
	SlotLinkedIn Slot = "linkedin" // Auxiliary: value stays in the additional bag
)

// aliasTable is searched in order; within a slot the first alias holding a
// non-empty value wins. Aliases are listed already in normalized key form.
var aliasTable = []struct {
	slot    Slot
	aliases []string
}{
	{SlotName, []string{
		"nom", "name", "contact_name", "nom_contact", "contact_nom", "prénom", "prenom",
		"firstname", "first_name", "nom_prénom", "nom_prenom", "full_name", "nom_complet",
	}},
	{SlotEmail, []string{
		"email", "courriel", "mail", "email_contact", "contact_email", "adresse_email",
		"adresse_mail", "e_mail", "courrier_electronique", "email_address",
	}},
	{SlotPhone, []string{
		"telephone", "phone", "tel", "telephone_contact", "mobile", "contact_telephone",
		"téléphone", "tél", "portable", "phone_number", "numéro_téléphone",
		"numero_telephone", "cellphone", "mobile_phone",
	}},
	{SlotCompany, []string{
		"entreprise", "company", "société", "organization", "nom_entreprise",
		"nom_de_l_entreprise", "organization_name", "societe", "nom_de_la_société",
		"nom_de_la_societe", "organisation", "business", "etablissement",
		"établissement", "école", "ecole", "nom_établissement", "nom_etablissement",
		"institution", "company_name", "raison_sociale",
	}},
	{SlotPosition, []string{
		"fonction", "position", "titre", "title", "titre_contact", "poste", "job_title",
		"role", "rôle", "job", "métier", "metier", "responsabilité", "responsabilite",
		"profession",
	}},
	{SlotIndustry, []string{
		"secteur_activite", "secteur_activité", "secteur", "industry", "sector", "domaine",
		"domaine_activite", "activite",
	}},
	{SlotWebsite, []string{
		"site_web", "website", "site", "url", "web", "site_internet", "web_site",
		"home_page", "url_site", "adresse_site",
	}},
	{SlotLinkedIn, []string{
		"linkedin", "linkedin_url", "contact_linkedin", "linkedin_profile", "url_linkedin",
		"lien_linkedin", "profil_linkedin", "compte_linkedin",
	}},
}

// prefixedSlots are resolved from "<prefix><base>" keys when the alias table found nothing.
var (
	slotPrefixes  = []string{"contact_", "company_", "entreprise_"}
	prefixedSlots = []Slot{SlotName, SlotEmail, SlotPhone, SlotPosition}
)

// companyKeyMarkers identify free-form company keys ("nom_de_votre_entreprise").
var companyKeyMarkers = []string{"entreprise", "company", "organization", "organisation"}

// primarySlots are consumed by the canonical record; their alias keys do not
// appear in the additional bag.
var primarySlots = map[Slot]bool{
	SlotName: true, SlotEmail: true, SlotPhone: true,
	SlotCompany: true, SlotPosition: true, SlotIndustry: true,
}

var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string]Slot {
	idx := make(map[string]Slot)
	for _, entry := range aliasTable {
		for _, alias := range entry.aliases {
			if _, taken := idx[alias]; !taken {
				idx[alias] = entry.slot
			}
		}
	}
	return idx
}
