package rules

import "github.com/criminalytix/seenpredyct/internal/domain"

// DefaultConstraints returns the built-in profile constraints: an age
// range and membership of every categorical value in the loaded options.
// A field whose options are absent is accepted as is.
func DefaultConstraints() []*domain.ConstraintRule {
	rules := []*domain.ConstraintRule{
		{
			ID:         "age-range",
			Field:      domain.FieldAge,
			Expression: "age >= 10 && age <= 100",
			Message:    "L'âge doit être compris entre 10 et 100 ans",
			Enabled:    true,
		},
	}

	labels := map[string]struct{ variable, message string }{
		domain.FieldRegion:     {"region_name", "Région inconnue: {value}"},
		domain.FieldEthnicity:  {"ethnie", "Ethnie inconnue: {value}"},
		domain.FieldProfession: {"profession", "Profession inconnue: {value}"},
		domain.FieldCity:       {"ville", "Ville inconnue: {value}"},
		domain.FieldCrimeType:  {"crime_type", "Type de crime inconnu: {value}"},
		domain.FieldPlatform:   {"platform", "Plateforme inconnue: {value}"},
	}
	for _, field := range domain.CategoricalFields {
		l := labels[field]
		rules = append(rules, &domain.ConstraintRule{
			ID:         "known-" + l.variable,
			Field:      field,
			Expression: `!("` + field + `" in options) || ` + l.variable + ` in options["` + field + `"]`,
			Message:    l.message,
			Enabled:    true,
		})
	}
	return rules
}
