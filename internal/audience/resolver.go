// Package audience evaluates audience rules against a directory snapshot.
//
// Rules of the same type are OR:ed, rule types are AND:ed. An audience with
// no rules resolves to nobody, selecting everyone requires an explicit rule.
package audience

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/modfin/henry/slicez"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/directory"
)

const sampleSize = 10

type Resolver struct {
	directory directory.Provider
}

func New(provider directory.Provider) *Resolver {
	return &Resolver{directory: provider}
}

// Resolve evaluates the union of the given audiences over one directory
// snapshot. The result preserves snapshot order and contains no duplicate
// employee ids.
func (r *Resolver) Resolve(ctx context.Context, audiences []easymail.Audience) ([]easymail.Employee, error) {
	employees, err := r.directory.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return resolve(employees, audiences)
}

// Preview resolves a single audience and returns the match count plus the
// first few matches.
func (r *Resolver) Preview(ctx context.Context, a easymail.Audience) (*easymail.AudiencePreview, error) {
	matched, err := r.Resolve(ctx, []easymail.Audience{a})
	if err != nil {
		return nil, err
	}
	preview := &easymail.AudiencePreview{
		Count:  len(matched),
		Sample: slicez.Take(matched, sampleSize),
	}
	return preview, nil
}

// ValidateRules checks rule syntax without touching the directory.
func ValidateRules(rules []easymail.AudienceRule) error {
	_, err := compile(rules)
	return err
}

func resolve(employees []easymail.Employee, audiences []easymail.Audience) ([]easymail.Employee, error) {
	seen := map[int64]bool{}
	var out []easymail.Employee

	for _, a := range audiences {
		matchers, err := compile(a.Rules)
		if err != nil {
			return nil, fmt.Errorf("audience %s: %w", a.ID, err)
		}
		if matchers == nil {
			continue
		}
		for _, e := range employees {
			if seen[e.ID] || !matchers.match(e) {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out, nil
}

type matcher func(easymail.Employee) bool

// ruleSet holds one OR:ed matcher group per rule type present.
type ruleSet []matcher

func (rs ruleSet) match(e easymail.Employee) bool {
	for _, m := range rs {
		if !m(e) {
			return false
		}
	}
	return true
}

func compile(rules []easymail.AudienceRule) (ruleSet, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	byType := map[easymail.RuleType][]easymail.AudienceRule{}
	var order []easymail.RuleType
	for _, r := range rules {
		if _, ok := byType[r.RuleType]; !ok {
			order = append(order, r.RuleType)
		}
		byType[r.RuleType] = append(byType[r.RuleType], r)
	}

	var set ruleSet
	for _, t := range order {
		group, err := compileGroup(t, byType[t])
		if err != nil {
			return nil, err
		}
		set = append(set, group)
	}
	return set, nil
}

func compileGroup(t easymail.RuleType, rules []easymail.AudienceRule) (matcher, error) {
	var alts []matcher
	for _, r := range rules {
		m, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		alts = append(alts, m)
	}
	return func(e easymail.Employee) bool {
		for _, m := range alts {
			if m(e) {
				return true
			}
		}
		return false
	}, nil
}

func compileRule(r easymail.AudienceRule) (matcher, error) {
	value := strings.TrimSpace(r.RuleValue)
	switch r.RuleType {
	case easymail.RuleDepartment:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: DEPARTMENT value %q is not an id", easymail.ErrInvalidRule, r.RuleValue)
		}
		return func(e easymail.Employee) bool { return e.DepartmentID == id }, nil

	case easymail.RuleLocation:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: LOCATION value %q is not an id", easymail.ErrInvalidRule, r.RuleValue)
		}
		return func(e easymail.Employee) bool { return e.LocationID == id }, nil

	case easymail.RuleTitleContains:
		if value == "" {
			return nil, fmt.Errorf("%w: TITLE_CONTAINS value is empty", easymail.ErrInvalidRule)
		}
		needle := strings.ToLower(value)
		return func(e easymail.Employee) bool {
			return strings.Contains(strings.ToLower(e.Title), needle)
		}, nil

	case easymail.RuleStatus:
		status := easymail.EmployeeStatus(strings.ToUpper(value))
		if status != easymail.EmployeeActive && status != easymail.EmployeeInactive {
			return nil, fmt.Errorf("%w: STATUS value %q", easymail.ErrInvalidRule, r.RuleValue)
		}
		return func(e easymail.Employee) bool { return e.Status == status }, nil
	}
	return nil, fmt.Errorf("%w: unknown rule type %q", easymail.ErrInvalidRule, r.RuleType)
}
