package expr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// builtins are the helper functions bound in every evaluation.
var builtins = map[string]Func{
	"isEmpty": func(_ *Env, args []interface{}) (interface{}, error) {
		return IsEmpty(argAt(args, 0)), nil
	},
	"includes": func(_ *Env, args []interface{}) (interface{}, error) {
		return containsLoose(toList(argAt(args, 0)), argAt(args, 1)), nil
	},
	"arrayContains": func(_ *Env, args []interface{}) (interface{}, error) {
		haystack := toList(argAt(args, 0))
		for _, m := range toList(argAt(args, 1)) {
			if !containsLoose(haystack, m) {
				return false, nil
			}
		}
		return true, nil
	},
	"arrayContainsAny": func(_ *Env, args []interface{}) (interface{}, error) {
		haystack := toList(argAt(args, 0))
		for _, m := range toList(argAt(args, 1)) {
			if containsLoose(haystack, m) {
				return true, nil
			}
		}
		return false, nil
	},
	"doesNotMatchExpression": func(_ *Env, args []interface{}) (interface{}, error) {
		value := argAt(args, 1)
		if IsEmpty(value) {
			return false, nil
		}
		re, err := regexp.Compile(toString(argAt(args, 0)))
		if err != nil {
			return nil, fmt.Errorf("doesNotMatchExpression: %w", err)
		}
		return !re.MatchString(toString(value)), nil
	},
	"useFieldValue": func(env *Env, args []interface{}) (interface{}, error) {
		id := toString(argAt(args, 0))
		if env != nil && env.OnReference != nil {
			env.OnReference(id)
		}
		v, _ := env.Lookup(id)
		return v, nil
	},
	"extractRepeatingGroupValues": func(_ *Env, args []interface{}) (interface{}, error) {
		key := toString(argAt(args, 0))
		var out []interface{}
		for _, item := range toList(argAt(args, 1)) {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m[key])
			}
		}
		return out, nil
	},
	"today": func(env *Env, _ []interface{}) (interface{}, error) {
		now := env.now()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), nil
	},
	"isDateBefore": func(_ *Env, args []interface{}) (interface{}, error) {
		return compareDates(args, func(c int) bool { return c < 0 })
	},
	"isDateAfter": func(_ *Env, args []interface{}) (interface{}, error) {
		return compareDates(args, func(c int) bool { return c > 0 })
	},
	"addDays": func(_ *Env, args []interface{}) (interface{}, error) {
		return shiftDate(argAt(args, 0), argAt(args, 1), "days")
	},
	"addWeeks": func(_ *Env, args []interface{}) (interface{}, error) {
		return shiftDate(argAt(args, 0), argAt(args, 1), "weeks")
	},
	"addMonths": func(_ *Env, args []interface{}) (interface{}, error) {
		return shiftDate(argAt(args, 0), argAt(args, 1), "months")
	},
	"calcBMI":            calcBMI,
	"calcBSA":            calcBSA,
	"calcEDD":            calcEDD,
	"calcMonthsOnART":    calcMonthsOnART,
	"calcAgeBasedOnDate": calcAgeBasedOnDate,
}

// asyncBuiltins may suspend. Hosts register real lookups through
// Env.AsyncFuncs.
var asyncBuiltins = map[string]AsyncFunc{
	"resolve": func(_ context.Context, _ *Env, args []interface{}) (interface{}, error) {
		return argAt(args, 0), nil
	},
}

// BuiltinNames lists the helpers every evaluation binds, sync and async.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins)+len(asyncBuiltins))
	for n := range builtins {
		names = append(names, n)
	}
	for n := range asyncBuiltins {
		names = append(names, n)
	}
	return names
}

func argAt(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// compareDates implements isDateBefore/isDateAfter(left, right[, offset, unit]):
// right is shifted by offset units before comparison. Missing dates yield
// false.
func compareDates(args []interface{}, pred func(int) bool) (interface{}, error) {
	left, okL := ToTime(argAt(args, 0))
	right, okR := ToTime(argAt(args, 1))
	if !okL || !okR {
		return false, nil
	}
	if len(args) > 2 {
		unit := "days"
		if len(args) > 3 {
			unit = toString(args[3])
		}
		shifted, err := shiftDate(right, args[2], unit)
		if err != nil {
			return nil, err
		}
		if t, ok := shifted.(time.Time); ok {
			right = t
		}
	}
	return pred(left.Compare(right)), nil
}

func shiftDate(date, amount interface{}, unit string) (interface{}, error) {
	t, ok := ToTime(date)
	if !ok {
		return nil, nil
	}
	n, ok := ToNumber(amount)
	if !ok {
		return t, nil
	}
	switch strings.ToLower(unit) {
	case "day", "days", "d":
		return t.AddDate(0, 0, int(n)), nil
	case "week", "weeks", "w":
		return t.AddDate(0, 0, int(n)*7), nil
	case "month", "months", "m":
		return t.AddDate(0, int(n), 0), nil
	case "year", "years", "y":
		return t.AddDate(int(n), 0, 0), nil
	}
	return nil, fmt.Errorf("unknown date unit %q", unit)
}
