// Package eligibility decides whether a discovered slot is an acceptable
// match for the selected patient. The decision is a pure function over the
// slot, the patient and a data-supplied rule set; anything the provider
// left unknown is rejected rather than assumed.
package eligibility

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Rule describes one vaccine's eligibility policy. Rule content is
// configuration, not code: provider- and policy-specific values evolve
// faster than releases.
type Rule struct {
	// Vaccine is the canonical vaccine name reported on matched slots.
	Vaccine string `json:"vaccine"`
	// Pattern is a case-insensitive regexp matched against provider
	// visit-motive names. Defaults to the vaccine name.
	Pattern string `json:"pattern"`
	// Doses is the series length; patients with this many doses are done.
	Doses int `json:"doses"`
	// MinAge/MaxAge bound the patient's age in years at the slot start.
	// Zero means unbounded.
	MinAge int `json:"min_age"`
	MaxAge int `json:"max_age"`
	// MinGapDays is the minimum number of days between the patient's last
	// dose and the slot start. Zero means no gap requirement.
	MinGapDays int `json:"min_gap_days"`
}

// Rules is a compiled, immutable rule set.
type Rules struct {
	rules    []Rule
	compiled []*regexp.Regexp
}

// Default mirrors the well-known COVID-19 vaccine set.
func Default() *Rules {
	r, err := compile([]Rule{
		{Vaccine: "Pfizer", Doses: 2, MinAge: 12},
		{Vaccine: "Moderna", Doses: 2, MinAge: 18},
		{Vaccine: "Janssen", Doses: 1, MinAge: 18},
	})
	if err != nil {
		panic(err) // static patterns
	}
	return r
}

// Parse builds a rule set from its JSON form. Empty input yields the
// default set.
func Parse(data string) (*Rules, error) {
	if data == "" {
		return Default(), nil
	}
	var rules []Rule
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return nil, fmt.Errorf("eligibility: parse rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("eligibility: empty rule set")
	}
	return compile(rules)
}

func compile(rules []Rule) (*Rules, error) {
	compiled := make([]*regexp.Regexp, len(rules))
	for i, r := range rules {
		if r.Vaccine == "" {
			return nil, fmt.Errorf("eligibility: rule %d: vaccine name required", i)
		}
		pattern := r.Pattern
		if pattern == "" {
			pattern = regexp.QuoteMeta(r.Vaccine)
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("eligibility: rule %q: %w", r.Vaccine, err)
		}
		compiled[i] = re
	}
	return &Rules{rules: rules, compiled: compiled}, nil
}

// MatchVaccine reports which configured vaccine a provider motive name
// refers to, if any. First matching rule wins.
func (r *Rules) MatchVaccine(motiveName string) (string, bool) {
	for i, re := range r.compiled {
		if re.MatchString(motiveName) {
			return r.rules[i].Vaccine, true
		}
	}
	return "", false
}

func (r *Rules) byVaccine(vaccine string) (Rule, bool) {
	for _, rule := range r.rules {
		if rule.Vaccine == vaccine {
			return rule, true
		}
	}
	return Rule{}, false
}

// ageAt returns full years between birth and at.
func ageAt(birth, at time.Time) int {
	years := at.Year() - birth.Year()
	anniversary := birth.AddDate(years, 0, 0)
	if anniversary.After(at) {
		years--
	}
	return years
}
