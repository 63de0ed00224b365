package deathrecord

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mdi/mdiconvert/internal/record"
	"github.com/mdi/mdiconvert/pkg/fhirmodels"
)

// Source field names read by the normalizer and converter.
const (
	FieldCaseIdentifier = "CaseIdentifier"
	FieldCaseNum        = "CaseNum"
	FieldDeathDate      = "DeathDate"
	FieldDeathType      = "DeathType"
	FieldGender         = "Gender"
	FieldSex            = "Sex"
	FieldAge            = "Age"
	FieldDeathZip       = "DeathZip"
	FieldDeathAddr      = "DeathAddr"
	FieldDeathCity      = "DeathCity"
	FieldDeathState     = "DeathState"
	FieldMode           = "Mode"
)

// DeceasedDateTime derives the time of death from a DeathDate value. Positive
// numbers are epoch milliseconds, non-blank strings go through dates. Any
// other value, a value no strategy accepts, or a result outside years
// 1..9999 (including strings with no year) yields false.
func DeceasedDateTime(v any, dates DateChain) (time.Time, bool) {
	if n, ok := record.Number(v); ok {
		if !(n > 0) {
			return time.Time{}, false
		}
		return fromEpochMillis(n)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return time.Time{}, false
	}
	t, ok := dates.Parse(s)
	if !ok {
		return time.Time{}, false
	}
	t = t.UTC()
	if !inYearRange(t) {
		return time.Time{}, false
	}
	return t, true
}

// NormalizeGender classifies a Gender/Sex value by case-sensitive substring:
// anything containing "f" is female, else anything containing "m" is male,
// else other. Non-string values are unknown.
//
// The substring test is known to misclassify: "Female" contains "m" and no
// lowercase "f", so it comes out male.
func NormalizeGender(v any) string {
	s, ok := v.(string)
	if !ok {
		return fhirmodels.GenderUnknown
	}
	switch {
	case strings.Contains(s, "f"):
		return fhirmodels.GenderFemale
	case strings.Contains(s, "m"):
		return fhirmodels.GenderMale
	}
	return fhirmodels.GenderOther
}

// genderOf reads Gender, falling back to Sex when Gender is unset.
func genderOf(r record.Record) string {
	if v, ok := record.Lookup(r, FieldGender); ok {
		return NormalizeGender(v)
	}
	v, _ := r.Get(FieldSex)
	return NormalizeGender(v)
}

// PostalCode renders numeric zip codes as integers, dropping any fraction.
// Other values pass through as text. Nil and non-finite numbers yield false.
func PostalCode(v any) (string, bool) {
	if n, ok := record.Number(v); ok {
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", false
		}
		return strconv.FormatFloat(math.Trunc(n), 'f', 0, 64), true
	}
	if v == nil {
		return "", false
	}
	return record.String(v), true
}

// ApproximateBirthYear subtracts the leading integer of an Age value such as
// "45 Years" from the year of death. It applies only to string ages
// containing "Years" and only to results in years 1..9999.
func ApproximateBirthYear(deceased time.Time, age any) (int, bool) {
	s, ok := age.(string)
	if !ok || !strings.Contains(s, "Years") {
		return 0, false
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}
	years, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	year := deceased.Year() - years
	if year < 1 || year > 9999 {
		return 0, false
	}
	return year, true
}
