package prediction

import "github.com/criminalytix/seenpredyct/internal/domain"

// defaultLabels is the encoder table used in demo mode. Codes follow the
// slice order.
var defaultLabels = map[string][]string{
	domain.FieldRegion: {
		"Dakar", "Diourbel", "Fatick", "Kaffrine", "Kaolack", "Kédougou", "Kolda",
		"Louga", "Matam", "Saint-Louis", "Sédhiou", "Tambacounda", "Thiès", "Ziguinchor",
	},
	domain.FieldEthnicity: {
		"Wolof", "Pulaar", "Sérère", "Diola", "Mandingue", "Soninké", "Autre",
	},
	domain.FieldProfession: {
		"Chômeur", "Étudiant", "Fonctionnaire", "Commerçant", "Agriculteur", "Artisan", "Autre",
	},
	domain.FieldCity: {
		"Dakar", "Pikine", "Guédiawaye", "Rufisque", "Thiès", "Saint-Louis", "Touba",
		"Kaolack", "Ziguinchor", "Mbour", "Diourbel", "Louga", "Tambacounda", "Kolda", "Autre",
	},
	domain.FieldCrimeType: {
		"Trafic", "Violence", "Vol", "Agression", "Escroquerie", "Cybercriminalité", "Autre",
	},
	domain.FieldPlatform: {
		"Facebook", "Instagram", "TikTok", "WhatsApp", "Telegram", "Twitter", "Aucune",
	},
}

// DefaultEncoders returns a fresh copy of the demo-mode encoder table.
func DefaultEncoders() domain.EncoderTable {
	table := make(domain.EncoderTable, len(defaultLabels))
	for field, labels := range defaultLabels {
		codes := make(map[string]int, len(labels))
		for i, label := range labels {
			codes[label] = i
		}
		table[field] = codes
	}
	return table
}
