package deathrecord

import (
	"fmt"
	"time"

	"github.com/mdi/mdiconvert/internal/platform/fhir"
	"github.com/mdi/mdiconvert/pkg/fhirmodels"
)

// Patient is the decedent of one death record.
type Patient struct {
	ID         string
	CaseNumber string
	Gender     string
	// BirthYear is derived from the age at death and is only accurate to the
	// year; the rendered birthDate is always January 1st. Zero means absent.
	BirthYear        int
	DeceasedDateTime *time.Time
	Address          fhir.Address
}

func (p *Patient) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": fhir.ResourceTypePatient,
		"id":           p.ID,
		"gender":       p.Gender,
	}
	if p.CaseNumber != "" {
		result["identifier"] = []fhir.Identifier{{Value: p.CaseNumber}}
	}
	if p.BirthYear > 0 {
		result["birthDate"] = fmt.Sprintf("%04d-01-01", p.BirthYear)
	}
	if p.DeceasedDateTime != nil {
		result["deceasedDateTime"] = formatInstant(*p.DeceasedDateTime)
	}
	if !p.Address.IsZero() {
		result["address"] = []fhir.Address{p.Address}
	}
	return result
}

// Observation records the death event of its subject.
type Observation struct {
	ID                string
	PatientID         string
	Status            string
	EffectiveDateTime *time.Time
	// Value is the manner of death as free text.
	Value string
}

func (o *Observation) ToFHIR() map[string]interface{} {
	status := o.Status
	if status == "" {
		status = fhirmodels.ObservationStatusFinal
	}
	result := map[string]interface{}{
		"resourceType": fhir.ResourceTypeObservation,
		"id":           o.ID,
		"status":       status,
		"code":         fhir.CodeableConcept{Text: "Death Record"},
		"subject":      fhir.Reference{Reference: fhir.FormatReference(fhir.ResourceTypePatient, o.PatientID)},
	}
	if o.EffectiveDateTime != nil {
		result["effectiveDateTime"] = formatInstant(*o.EffectiveDateTime)
	}
	if o.Value != "" {
		result["valueString"] = o.Value
	}
	return result
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
