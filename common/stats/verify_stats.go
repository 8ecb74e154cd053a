package stats

import (
	"fmt"
	"sort"
	"strings"
	"testing"
)

// RuleChecker compares a rendered stat (got) against an expected value.
type RuleChecker struct {
	name    string
	checker func(got, want interface{}) bool
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func compare(cmp func(a, b float64) bool) func(got, want interface{}) bool {
	return func(got, want interface{}) bool {
		a, ok := asFloat(got)
		if !ok {
			return false
		}
		b, ok := asFloat(want)
		return ok && cmp(a, b)
	}
}

var (
	Int64EqTest      = RuleChecker{"Int64EqTest", compare(func(a, b float64) bool { return a == b })}
	Int64GTETest     = RuleChecker{"Int64GTETest", compare(func(a, b float64) bool { return a >= b })}
	FloatGTTest      = RuleChecker{"FloatGTTest", compare(func(a, b float64) bool { return a > b })}
	DoesNotExistTest = RuleChecker{"DoesNotExistTest", func(got, _ interface{}) bool { return got == nil }}
)

// Rule is a condition on one stat, checked with Checker against Value.
type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

// StatsOk reports whether every rule holds for the Finagle style registry
// reg, logging each violation to t.
func StatsOk(tag string, reg StatsRegistry, t testing.TB, rules map[string]Rule) bool {
	finagle, ok := reg.(*finagleStatsRegistry)
	if !ok {
		t.Errorf("%s: stats registry is %T, not a finagle registry", tag, reg)
		return false
	}
	rendered := finagle.MarshalAll()

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var failures []string
	for _, name := range names {
		rule := rules[name]
		got := rendered[name]
		if rule.Checker.checker(got, rule.Value) {
			continue
		}
		if rule.Checker.name == DoesNotExistTest.name {
			failures = append(failures, fmt.Sprintf("%s: found %v, expected no entry", name, got))
		} else {
			failures = append(failures, fmt.Sprintf("%s: got %v, expected to pass %s with %v", name, got, rule.Checker.name, rule.Value))
		}
	}
	if len(failures) > 0 {
		pretty, _ := finagle.MarshalJSONPretty()
		t.Errorf("%s: stats registry error:\n%s\nregistry:\n%s", tag, strings.Join(failures, "\n"), pretty)
		return false
	}
	return true
}
