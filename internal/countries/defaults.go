package countries

import "circularity-platform/internal/models"

type country struct {
	iso, name, prodcomNumeric string
}

// Reporters common to both sources. The numeric code is the legacy PRODCOM
// declarant code; empty when the reporter never had one.
var reporters = []country{
	{"FR", "France", "001"},
	{"NL", "Netherlands", "003"},
	{"DE", "Germany", "004"},
	{"IT", "Italy", "005"},
	{"GB", "United Kingdom", "006"},
	{"IE", "Ireland", "007"},
	{"DK", "Denmark", "008"},
	{"GR", "Greece", "009"},
	{"PT", "Portugal", "010"},
	{"ES", "Spain", "011"},
	{"BE", "Belgium", "017"},
	{"LU", "Luxembourg", "018"},
	{"IS", "Iceland", "024"},
	{"NO", "Norway", "028"},
	{"SE", "Sweden", "030"},
	{"FI", "Finland", "032"},
	{"AT", "Austria", "038"},
	{"MT", "Malta", "046"},
	{"TR", "Turkey", "052"},
	{"EE", "Estonia", "053"},
	{"LV", "Latvia", "054"},
	{"LT", "Lithuania", "055"},
	{"PL", "Poland", "060"},
	{"CZ", "Czechia", "061"},
	{"SK", "Slovakia", "063"},
	{"HU", "Hungary", "064"},
	{"RO", "Romania", "066"},
	{"BG", "Bulgaria", "068"},
	{"SI", "Slovenia", "091"},
	{"HR", "Croatia", "092"},
	{"CY", "Cyprus", "600"},
	{"RS", "Serbia", ""},
	{"ME", "Montenegro", ""},
	{"MK", "North Macedonia", ""},
	{"BA", "Bosnia and Herzegovina", ""},
}

// Eurostat's own alpha codes where they differ from ISO 3166.
var eurostatAlpha = map[string]string{
	"GR": "EL",
	"GB": "UK",
}

// DefaultMappings returns the built-in reporter tables for both sources.
func DefaultMappings() []models.CountryMapping {
	var out []models.CountryMapping
	add := func(src models.Source, native, iso, name string, historical bool) {
		out = append(out, models.CountryMapping{
			SourceSystem: src,
			NativeCode:   native,
			ISOCode:      iso,
			DisplayName:  name,
			Historical:   historical,
		})
	}

	for _, c := range reporters {
		alpha := c.iso
		if es, ok := eurostatAlpha[c.iso]; ok {
			alpha = es
		}

		// PRODCOM publishes Eurostat alpha codes; numeric declarants are
		// the older coding of the same reporters.
		add(models.SourceProdcom, alpha, c.iso, c.name, false)
		if c.prodcomNumeric != "" {
			add(models.SourceProdcom, c.prodcomNumeric, c.iso, c.name, true)
		}

		add(models.SourceComext, alpha, c.iso, c.name, false)
		if alpha != c.iso {
			add(models.SourceComext, c.iso, c.iso, c.name, true)
		}
	}

	add(models.SourceProdcom, "EU27_2020", EUAggregate, "European Union (27, 2020)", false)
	add(models.SourceProdcom, "2027", EUAggregate, "European Union (27, 2020)", true)
	add(models.SourceComext, "EU27_2020", EUAggregate, "European Union (27, 2020)", false)
	add(models.SourceComext, "EU", EUAggregate, "European Union (27, 2020)", true)
	return out
}
