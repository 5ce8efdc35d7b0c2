package harmonize

import (
	"circularity-platform/internal/extract"
	"circularity-platform/internal/models"
)

// state of one metric for one key while merging
type state int

const (
	absent state = iota
	missing
	reported
	placeholder
	filled
)

func (s state) String() string {
	switch s {
	case absent:
		return "absent"
	case missing:
		return "missing"
	case reported:
		return "reported"
	case placeholder:
		return "placeholder"
	case filled:
		return "filled"
	}
	return "unknown"
}

type slot struct {
	state state
	value float64
}

// combine folds another fact for the same key and metric into s. Values
// reported under several codes or partners add up; a missing contribution
// makes the whole sum missing.
func (s slot) combine(o slot) slot {
	switch {
	case o.state == absent:
		return s
	case s.state == absent:
		return o
	case s.state == missing || o.state == missing:
		return slot{state: missing}
	default:
		return slot{state: reported, value: s.value + o.value}
	}
}

func slotOf(m models.Measure) slot {
	if !m.Valid {
		return slot{state: missing}
	}
	return slot{state: reported, value: m.V}
}

type key struct {
	product string
	country string
}

type metricSlots map[models.Metric]slot

// table accumulates one source's facts per key.
type table map[key]metricSlots

func (t table) add(k key, m models.Metric, s slot) {
	ms, ok := t[k]
	if !ok {
		ms = metricSlots{}
		t[k] = ms
	}
	ms[m] = ms[m].combine(s)
}

func (t table) addFacts(facts []extract.Fact, keep func(iso string) bool) {
	for _, f := range facts {
		if !keep(f.CountryISO) {
			continue
		}
		t.add(key{f.ProductCode, f.CountryISO}, f.Metric, slotOf(f.Value))
	}
}

// products returns the distinct products present in t.
func (t table) products() map[string]bool {
	out := make(map[string]bool)
	for k := range t {
		out[k.product] = true
	}
	return out
}
