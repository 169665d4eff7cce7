package expr

import (
	"math"
	"time"
)

// Clinical calculators. Each returns nil when an input is missing or not
// numeric, so a calculated field simply stays empty.

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// calcBMI(heightCm, weightKg) → kg/m², one decimal.
func calcBMI(_ *Env, args []interface{}) (interface{}, error) {
	h, okH := ToNumber(argAt(args, 0))
	w, okW := ToNumber(argAt(args, 1))
	if !okH || !okW || h <= 0 || w <= 0 {
		return nil, nil
	}
	m := h / 100
	return round(w/(m*m), 1), nil
}

// calcBSA(heightCm, weightKg) → m², Mosteller formula, two decimals.
func calcBSA(_ *Env, args []interface{}) (interface{}, error) {
	h, okH := ToNumber(argAt(args, 0))
	w, okW := ToNumber(argAt(args, 1))
	if !okH || !okW || h <= 0 || w <= 0 {
		return nil, nil
	}
	return round(math.Sqrt(h*w/3600), 2), nil
}

// calcEDD(lmp) → estimated delivery date, 280 days after the last menstrual
// period.
func calcEDD(_ *Env, args []interface{}) (interface{}, error) {
	lmp, ok := ToTime(argAt(args, 0))
	if !ok {
		return nil, nil
	}
	return lmp.AddDate(0, 0, 280), nil
}

// calcMonthsOnART(artStartDate) → whole months between the ART start date
// and today.
func calcMonthsOnART(env *Env, args []interface{}) (interface{}, error) {
	start, ok := ToTime(argAt(args, 0))
	if !ok {
		return nil, nil
	}
	now := env.now()
	if start.After(now) {
		return nil, nil
	}
	return float64(monthsBetween(start, now)), nil
}

// calcAgeBasedOnDate(birthDate) → completed years as of today.
func calcAgeBasedOnDate(env *Env, args []interface{}) (interface{}, error) {
	dob, ok := ToTime(argAt(args, 0))
	if !ok {
		return nil, nil
	}
	return float64(AgeAt(dob, env.now())), nil
}

// AgeAt returns completed years between birth and at.
func AgeAt(birth, at time.Time) int {
	years := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

func monthsBetween(from, to time.Time) int {
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if to.Day() < from.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}
