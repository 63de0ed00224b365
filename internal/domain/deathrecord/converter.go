package deathrecord

import (
	"errors"
	"fmt"

	"github.com/mdi/mdiconvert/internal/platform/fhir"
	"github.com/mdi/mdiconvert/internal/record"
	"github.com/mdi/mdiconvert/pkg/fhirmodels"
)

// ErrMissingRequiredField is returned for records without a CaseIdentifier
// or CaseNum.
var ErrMissingRequiredField = errors.New("missing required field")

// DefaultMode is the manner of death used when a record has no Mode field.
const DefaultMode = "Unknown"

// Converter turns death records into Patient and Observation resources.
type Converter struct {
	dates DateChain
}

// NewConverter returns a Converter parsing death dates with dates, or with
// DefaultDateChain when dates is empty.
func NewConverter(dates DateChain) *Converter {
	if len(dates) == 0 {
		dates = DefaultDateChain
	}
	return &Converter{dates: dates}
}

// Convert derives the resources of one record. Only missing identifiers are
// errors; every other field degrades to absent.
func (c *Converter) Convert(r record.Record) (*Patient, *Observation, error) {
	caseID, ok := requiredString(r, FieldCaseIdentifier)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingRequiredField, FieldCaseIdentifier)
	}
	caseNum, ok := requiredString(r, FieldCaseNum)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingRequiredField, FieldCaseNum)
	}

	patient := &Patient{
		ID:         PatientID(caseID),
		CaseNumber: caseNum,
		Gender:     genderOf(r),
		Address:    addressOf(r),
	}

	dd, _ := r.Get(FieldDeathDate)
	if t, ok := DeceasedDateTime(dd, c.dates); ok {
		patient.DeceasedDateTime = &t
		age, _ := r.Get(FieldAge)
		if year, ok := ApproximateBirthYear(t, age); ok {
			patient.BirthYear = year
		}
	}

	obs := &Observation{
		ID:                ObservationID(caseID),
		PatientID:         patient.ID,
		Status:            fhirmodels.ObservationStatusFinal,
		EffectiveDateTime: patient.DeceasedDateTime,
		Value:             DefaultMode,
	}
	if mode, present := r.Get(FieldMode); present {
		obs.Value = record.String(mode)
	}

	return patient, obs, nil
}

// Entries converts r into its two bundle entries, Patient first.
func (c *Converter) Entries(r record.Record) ([]fhir.BundleEntry, error) {
	patient, obs, err := c.Convert(r)
	if err != nil {
		return nil, err
	}
	pe, err := fhir.NewPutEntry(fhir.ResourceTypePatient, patient.ID, patient.ToFHIR())
	if err != nil {
		return nil, err
	}
	oe, err := fhir.NewPutEntry(fhir.ResourceTypeObservation, obs.ID, obs.ToFHIR())
	if err != nil {
		return nil, err
	}
	return []fhir.BundleEntry{pe, oe}, nil
}

// PatientID returns the Patient resource id of a case.
func PatientID(caseID string) string {
	return "pat-" + caseID
}

// ObservationID returns the Observation resource id of a case.
func ObservationID(caseID string) string {
	return "obs-" + caseID
}

func requiredString(r record.Record, field string) (string, bool) {
	v, ok := r.Get(field)
	if !ok || v == nil {
		return "", false
	}
	s := record.String(v)
	return s, s != ""
}

func addressOf(r record.Record) fhir.Address {
	var addr fhir.Address
	if v, ok := record.Lookup(r, FieldDeathAddr); ok {
		addr.Line = []string{record.String(v)}
	}
	if v, ok := record.Lookup(r, FieldDeathCity); ok {
		addr.City = record.String(v)
	}
	if v, ok := r.Get(FieldDeathZip); ok {
		if zip, ok := PostalCode(v); ok {
			addr.PostalCode = zip
		}
	}
	if v, ok := record.Lookup(r, FieldDeathState); ok {
		addr.State = record.String(v)
	}
	return addr
}
