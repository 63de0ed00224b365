package fhirmodels

// Common FHIR value set constants used across the application.

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// ObservationStatus codes per FHIR R4.
const (
	ObservationStatusRegistered     = "registered"
	ObservationStatusPreliminary    = "preliminary"
	ObservationStatusFinal          = "final"
	ObservationStatusAmended        = "amended"
	ObservationStatusCorrected      = "corrected"
	ObservationStatusCancelled      = "cancelled"
	ObservationStatusEnteredInError = "entered-in-error"
	ObservationStatusUnknown        = "unknown"
)

// Genders lists the AdministrativeGender value set.
var Genders = []string{GenderMale, GenderFemale, GenderOther, GenderUnknown}

// ObservationStatuses lists the ObservationStatus value set.
var ObservationStatuses = []string{
	ObservationStatusRegistered,
	ObservationStatusPreliminary,
	ObservationStatusFinal,
	ObservationStatusAmended,
	ObservationStatusCorrected,
	ObservationStatusCancelled,
	ObservationStatusEnteredInError,
	ObservationStatusUnknown,
}
