package engine

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Condition types accepted in a condition step's condition_type.
const (
	ConditionFieldComparison = "field_comparison"
	ConditionDataExists      = "data_exists"
	ConditionTimeBased       = "time_based"
	ConditionCustomScript    = "custom_script"
)

// ConditionTypes lists the accepted condition_type values.
var ConditionTypes = []string{ConditionFieldComparison, ConditionDataExists, ConditionTimeBased, ConditionCustomScript}

// ComparisonOperators lists every operator Compare accepts.
var ComparisonOperators = []string{
	"equals", "eq", "==", "not_equals", "ne", "!=",
	"greater_than", "gt", ">", "greater_or_equal", "gte", ">=",
	"less_than", "lt", "<", "less_or_equal", "lte", "<=",
	"contains", "not_contains", "starts_with", "ends_with",
	"in", "not_in", "matches", "is_empty", "is_not_empty",
}

// TimeChecks lists the checks of a time_based condition.
var TimeChecks = []string{"business_hours", "weekday", "weekend", "days", "before", "after", "between"}

// IsComparisonOperator reports whether op is understood by Compare.
func IsComparisonOperator(op string) bool {
	return slices.Contains(ComparisonOperators, strings.ToLower(op))
}

type conditionConfig struct {
	ConditionType string `json:"condition_type"`

	// field_comparison / data_exists
	Field    string   `json:"field"`
	Fields   []string `json:"fields"`
	Operator string   `json:"operator"`
	Value    any      `json:"value"`

	// time_based
	Check     string   `json:"check"` // business_hours | weekday | weekend | before | after | between | days
	Time      string   `json:"time"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Days      []string `json:"days"`
	Timezone  string   `json:"timezone"`
	StartHour *int     `json:"start_hour"`
	EndHour   *int     `json:"end_hour"`

	// custom_script
	Expression string `json:"expression"`
}

func (in *Interpreter) runCondition(ctx context.Context, step *schema.Step, env *stepEnv) (map[string]any, error) {
	var cfg conditionConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid condition config: %v", err)
	}

	var (
		result bool
		err    error
	)
	scope := env.scope()
	switch cfg.ConditionType {
	case ConditionFieldComparison:
		left, _ := scope.Resolve(cfg.Field)
		right, rerr := in.interp.Resolve(ctx, cfg.Value, scope.Map())
		if rerr != nil {
			return nil, rerr
		}
		result, err = Compare(left, cfg.Operator, right)
	case ConditionDataExists:
		fields := cfg.Fields
		if cfg.Field != "" {
			fields = append([]string{cfg.Field}, fields...)
		}
		if len(fields) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "data_exists requires 'field' or 'fields'")
		}
		result = true
		for _, f := range fields {
			if v, ok := scope.Resolve(f); !ok || v == nil {
				result = false
				break
			}
		}
	case ConditionTimeBased:
		result, err = evaluateTime(&cfg, in.cfg.Now())
	case ConditionCustomScript:
		if cfg.Expression == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "custom_script requires 'expression'")
		}
		result, err = in.cel.EvaluateBool(ctx, cfg.Expression, scope.Map())
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition_type %q", cfg.ConditionType)
	}
	if err != nil {
		return nil, err
	}

	env.state.conditions[step.ID] = result
	return map[string]any{"result": result, "condition_type": cfg.ConditionType}, nil
}

// Compare applies a field_comparison operator. A missing left operand is nil.
func Compare(left any, op string, right any) (bool, error) {
	switch strings.ToLower(op) {
	case "equals", "eq", "==":
		return looseEqual(left, right), nil
	case "not_equals", "ne", "!=":
		return !looseEqual(left, right), nil
	case "greater_than", "gt", ">":
		return ordered(left, right, func(c int) bool { return c > 0 })
	case "greater_or_equal", "gte", ">=":
		return ordered(left, right, func(c int) bool { return c >= 0 })
	case "less_than", "lt", "<":
		return ordered(left, right, func(c int) bool { return c < 0 })
	case "less_or_equal", "lte", "<=":
		return ordered(left, right, func(c int) bool { return c <= 0 })
	case "contains":
		return contains(left, right), nil
	case "not_contains":
		return !contains(left, right), nil
	case "starts_with":
		l, r, ok := bothStrings(left, right)
		return ok && strings.HasPrefix(l, r), nil
	case "ends_with":
		l, r, ok := bothStrings(left, right)
		return ok && strings.HasSuffix(l, r), nil
	case "in":
		return contains(right, left), nil
	case "not_in":
		return !contains(right, left), nil
	case "matches":
		l, r, ok := bothStrings(left, right)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(r)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "invalid pattern %q: %v", r, err)
		}
		return re.MatchString(l), nil
	case "is_empty":
		return isEmpty(left), nil
	case "is_not_empty":
		return !isEmpty(left), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if !(aStr && bStr) {
		if fa, ok := toFloat(a); ok {
			if fb, ok := toFloat(b); ok {
				return fa == fb
			}
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && reflect.TypeOf(a).Kind() == reflect.TypeOf(b).Kind()
}

// ordered compares numbers numerically and otherwise strings lexically
// (which also orders RFC 3339 timestamps). Mismatched operands compare false.
func ordered(left, right any, pred func(int) bool) (bool, error) {
	if left == nil || right == nil {
		return false, nil
	}
	if fl, ok := toFloat(left); ok {
		if fr, ok := toFloat(right); ok {
			switch {
			case fl < fr:
				return pred(-1), nil
			case fl > fr:
				return pred(1), nil
			}
			return pred(0), nil
		}
	}
	l, r, ok := bothStrings(left, right)
	if !ok {
		return false, nil
	}
	return pred(strings.Compare(l, r)), nil
}

func bothStrings(a, b any) (string, string, bool) {
	as, ok1 := a.(string)
	bs, ok2 := b.(string)
	return as, bs, ok1 && ok2
}

func contains(container, item any) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case map[string]any:
		k, ok := item.(string)
		if !ok {
			return false
		}
		_, has := c[k]
		return has
	case nil:
		return false
	}
	rv := reflect.ValueOf(container)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(rv.Index(i).Interface(), item) {
				return true
			}
		}
	}
	return false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func evaluateTime(cfg *conditionConfig, now time.Time) (bool, error) {
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown timezone %q", cfg.Timezone)
		}
		now = now.In(loc)
	}
	minutes := now.Hour()*60 + now.Minute()

	switch cfg.Check {
	case "business_hours":
		start, end := 9, 17
		if cfg.StartHour != nil {
			start = *cfg.StartHour
		}
		if cfg.EndHour != nil {
			end = *cfg.EndHour
		}
		wd := now.Weekday()
		return wd != time.Saturday && wd != time.Sunday && now.Hour() >= start && now.Hour() < end, nil
	case "weekday":
		return now.Weekday() != time.Saturday && now.Weekday() != time.Sunday, nil
	case "weekend":
		return now.Weekday() == time.Saturday || now.Weekday() == time.Sunday, nil
	case "days":
		for _, d := range cfg.Days {
			if wd, ok := weekdays[strings.ToLower(d)]; ok && wd == now.Weekday() {
				return true, nil
			}
		}
		return false, nil
	case "before", "after":
		t, err := clockMinutes(cfg.Time)
		if err != nil {
			return false, err
		}
		if cfg.Check == "before" {
			return minutes < t, nil
		}
		return minutes >= t, nil
	case "between":
		start, err := clockMinutes(cfg.Start)
		if err != nil {
			return false, err
		}
		end, err := clockMinutes(cfg.End)
		if err != nil {
			return false, err
		}
		if start <= end {
			return minutes >= start && minutes < end, nil
		}
		// window wraps midnight
		return minutes >= start || minutes < end, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown time check %q", cfg.Check)
}

// clockMinutes parses "HH:MM" into minutes after midnight.
func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid clock time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
