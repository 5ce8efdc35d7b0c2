// Package countries maps the reporter codes of each statistical source onto
// ISO 3166 alpha-2 codes, with EU27_2020 as the reserved aggregate code.
package countries

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"circularity-platform/internal/codes"
	"circularity-platform/internal/models"
	"circularity-platform/pkg/logging"
)

// EUAggregate is the ISO value reserved for the EU-27 (2020) aggregate.
const EUAggregate = "EU27_2020"

var euMembers = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true, "CZ": true,
	"DK": true, "EE": true, "FI": true, "FR": true, "DE": true, "GR": true,
	"HU": true, "IE": true, "IT": true, "LV": true, "LT": true, "LU": true,
	"MT": true, "NL": true, "PL": true, "PT": true, "RO": true, "SK": true,
	"SI": true, "ES": true, "SE": true,
}

// Mapper resolves native reporter codes. It is safe for concurrent use.
type Mapper struct {
	bySource map[models.Source]map[string]models.CountryMapping
	names    map[string]string
	all      []models.CountryMapping
	logger   *logging.StructuredLogger

	mu     sync.Mutex
	warned map[string]bool
}

// New validates mappings and builds a Mapper. Within one source a native code
// must be unique, and two native codes may share an ISO code only when all but
// one of them are flagged historical.
func New(mappings []models.CountryMapping, logger *logging.StructuredLogger) (*Mapper, error) {
	m := &Mapper{
		bySource: make(map[models.Source]map[string]models.CountryMapping),
		names:    make(map[string]string),
		logger:   logger,
		warned:   make(map[string]bool),
	}

	var errs []error
	current := make(map[models.Source]map[string]string)

	for _, cm := range mappings {
		cm.NativeCode = codes.NormalizeCountryCode(cm.NativeCode)
		cm.ISOCode = strings.ToUpper(strings.TrimSpace(cm.ISOCode))
		if cm.NativeCode == "" || cm.ISOCode == "" {
			errs = append(errs, &models.ValidationError{
				Field:   "country_mappings",
				Value:   string(cm.SourceSystem),
				Message: fmt.Sprintf("%s mapping %q -> %q has an empty code", cm.SourceSystem, cm.NativeCode, cm.ISOCode),
			})
			continue
		}

		src := m.bySource[cm.SourceSystem]
		if src == nil {
			src = make(map[string]models.CountryMapping)
			m.bySource[cm.SourceSystem] = src
			current[cm.SourceSystem] = make(map[string]string)
		}
		if prev, dup := src[cm.NativeCode]; dup {
			errs = append(errs, &models.ValidationError{
				Field:   "native_code",
				Value:   cm.NativeCode,
				Message: fmt.Sprintf("%s native code %s mapped twice (%s, %s)", cm.SourceSystem, cm.NativeCode, prev.ISOCode, cm.ISOCode),
			})
			continue
		}
		if !cm.Historical {
			if other, clash := current[cm.SourceSystem][cm.ISOCode]; clash {
				errs = append(errs, &models.ValidationError{
					Field:   "iso_code",
					Value:   cm.ISOCode,
					Message: fmt.Sprintf("%s codes %s and %s both map to %s; flag the older one historical", cm.SourceSystem, other, cm.NativeCode, cm.ISOCode),
				})
				continue
			}
			current[cm.SourceSystem][cm.ISOCode] = cm.NativeCode
		}

		src[cm.NativeCode] = cm
		if cm.DisplayName != "" && (!cm.Historical || m.names[cm.ISOCode] == "") {
			m.names[cm.ISOCode] = cm.DisplayName
		}
		m.all = append(m.all, cm)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Slice(m.all, func(i, j int) bool {
		if m.all[i].SourceSystem != m.all[j].SourceSystem {
			return m.all[i].SourceSystem < m.all[j].SourceSystem
		}
		return m.all[i].NativeCode < m.all[j].NativeCode
	})
	return m, nil
}

// Default builds a Mapper over the built-in tables.
func Default(logger *logging.StructuredLogger) *Mapper {
	m, err := New(DefaultMappings(), logger)
	if err != nil {
		panic(fmt.Sprintf("built-in country mappings are invalid: %v", err))
	}
	return m
}

// ToISO maps a native reporter code to ISO. Unknown codes are returned
// unchanged and logged once per source and code.
func (m *Mapper) ToISO(source models.Source, native string) string {
	code := codes.NormalizeCountryCode(native)
	if cm, ok := m.bySource[source][code]; ok {
		return cm.ISOCode
	}

	key := string(source) + "|" + code
	m.mu.Lock()
	first := !m.warned[key]
	m.warned[key] = true
	m.mu.Unlock()
	if first {
		m.logger.Warn(context.Background(), "[COUNTRY_UNMAPPED] Reporter code has no ISO mapping, passing through", logging.Fields{
			"source":      source,
			"native_code": native,
		})
	}
	return native
}

// IsEUAggregate reports whether iso is the EU aggregate sentinel.
func IsEUAggregate(iso string) bool {
	return iso == EUAggregate
}

// IsEUMember reports whether iso is a member of the EU-27 (2020).
func IsEUMember(iso string) bool {
	return euMembers[iso]
}

// DisplayName returns the configured name for iso, or iso itself.
func (m *Mapper) DisplayName(iso string) string {
	if n, ok := m.names[iso]; ok {
		return n
	}
	return iso
}

// Mappings returns every mapping ordered by source and native code.
func (m *Mapper) Mappings() []models.CountryMapping {
	out := make([]models.CountryMapping, len(m.all))
	copy(out, m.all)
	return out
}
