package logic

import (
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/graph"
	"github.com/ehr/formengine/internal/platform/expr"
)

// Validator types. Range and length checks also run whenever min/max or
// minLength/maxLength are configured.
const (
	ValidatorRequired   = "required"
	ValidatorExpression = "js_expression"
	ValidatorDate       = "date"
	ValidatorRange      = "range"
	ValidatorLength     = "length"
)

const (
	ResultError   = "error"
	ResultWarning = "warning"

	MessageMandatory   = "Field is mandatory"
	MessageFutureDate  = "Future dates are not allowed"
	MessageInvalidExpr = "Invalid value"
)

const (
	ErrCodeRequired    = "field.required"
	errCodeExpression  = "field.expression"
	errCodeFutureDate  = "date.future"
	errCodeInvalidDate = "date.invalid"
	errCodeOutOfRange  = "value.range"
	errCodeLength      = "value.length"
)

// Validate runs the validators of f and stores the results in
// f.Meta.Submission. Hidden and display-only fields carry no results.
func (e *Engine) Validate(f *form.Field) []form.ValidationResult {
	f.Meta.Submission.Errors, f.Meta.Submission.Warnings = nil, nil
	if f.Hidden || f.Adapter == nil {
		return nil
	}

	var results []form.ValidationResult
	add := func(resultType, code, msg string) {
		results = append(results, form.ValidationResult{ResultType: resultType, ErrCode: code, Message: msg})
	}

	empty := expr.IsEmpty(f.Value)
	if f.Required && !f.Disabled && empty && !f.IsGroup() {
		add(ResultError, ErrCodeRequired, MessageMandatory)
	}

	q := f.Question
	for _, v := range q.Validators {
		switch v.Type {
		case ValidatorRequired:
			if empty && !f.Disabled {
				add(ResultError, ErrCodeRequired, firstNonEmpty(v.Message, MessageMandatory))
			}
		case ValidatorExpression:
			if v.FailsWhenExpression == "" {
				continue
			}
			if e.ev.Bool(v.FailsWhenExpression, graph.FieldNode(f.ID), f, false) {
				add(resultType(v.ErrorType), errCodeExpression, firstNonEmpty(v.Message, MessageInvalidExpr))
			}
		case ValidatorDate:
			if empty {
				continue
			}
			t, ok := expr.ToTime(f.Value)
			if !ok {
				add(ResultError, errCodeInvalidDate, "Invalid date")
				continue
			}
			if !bool(v.AllowFutureDates) && t.After(e.endOfSessionDay()) {
				add(resultType(v.ErrorType), errCodeFutureDate, firstNonEmpty(v.Message, MessageFutureDate))
			}
		}
	}

	if !empty {
		if msg := checkRange(q.QuestionOptions, f.Value); msg != "" {
			add(ResultError, errCodeOutOfRange, msg)
		}
		if msg := checkLength(q.QuestionOptions, f.Value); msg != "" {
			add(ResultError, errCodeLength, msg)
		}
	}

	for _, r := range results {
		if r.ResultType == ResultWarning {
			f.Meta.Submission.Warnings = append(f.Meta.Submission.Warnings, r)
		} else {
			f.Meta.Submission.Errors = append(f.Meta.Submission.Errors, r)
		}
	}
	return results
}

// ValidateAll validates every field and reports whether none has errors.
func (e *Engine) ValidateAll() bool {
	ok := true
	for _, f := range e.c.Fields() {
		e.Validate(f)
		if len(f.Meta.Submission.Errors) > 0 {
			ok = false
		}
	}
	return ok
}

func (e *Engine) endOfSessionDay() time.Time {
	day := e.c.SessionDate
	if day.IsZero() {
		day = e.ev.now()
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-1), day.Location())
}

func resultType(t string) string {
	if t == ResultWarning {
		return ResultWarning
	}
	return ResultError
}

func checkRange(opts form.QuestionOptions, v interface{}) string {
	if opts.Min == nil && opts.Max == nil {
		return ""
	}
	n, ok := expr.ToNumber(v)
	if !ok {
		return ""
	}
	lo, hi := opts.Min, opts.Max
	switch {
	case lo != nil && hi != nil && (n < *lo || n > *hi):
		return fmt.Sprintf("Value must be between %s and %s", fmtNum(*lo), fmtNum(*hi))
	case lo != nil && hi == nil && n < *lo:
		return fmt.Sprintf("Value must be at least %s", fmtNum(*lo))
	case hi != nil && lo == nil && n > *hi:
		return fmt.Sprintf("Value must be at most %s", fmtNum(*hi))
	}
	return ""
}

func checkLength(opts form.QuestionOptions, v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	n := utf8.RuneCountInString(s)
	if opts.MinLength != nil && n < *opts.MinLength {
		return fmt.Sprintf("Minimum length is %d characters", *opts.MinLength)
	}
	if opts.MaxLength != nil && n > *opts.MaxLength {
		return fmt.Sprintf("Maximum length is %d characters", *opts.MaxLength)
	}
	return ""
}

func fmtNum(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
