package fhir

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mdi/mdiconvert/pkg/fhirmodels"
)

// referencePattern matches FHIR references in the format "ResourceType/id".
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[A-Za-z0-9\-\.]{1,64}$`)

// datePattern matches the FHIR date primitive (YYYY, YYYY-MM or YYYY-MM-DD).
var datePattern = regexp.MustCompile(`^-?[0-9]{4}(-(0[1-9]|1[0-2])(-(0[1-9]|[12][0-9]|3[01]))?)?$`)

// knownResourceTypes lists the resource types a converted bundle may carry.
var knownResourceTypes = map[string]bool{
	ResourceTypePatient:          true,
	ResourceTypeObservation:      true,
	ResourceTypeBundle:           true,
	ResourceTypeOperationOutcome: true,
}

// statusValues maps resource types to their valid status values per FHIR R4.
var statusValues = map[string][]string{
	ResourceTypeObservation: fhirmodels.ObservationStatuses,
}

// genderValues is the AdministrativeGender value set.
var genderValues = fhirmodels.Genders

// dateTimeFields lists dateTime elements checked per resource type.
var dateTimeFields = map[string][]string{
	ResourceTypePatient:     {"deceasedDateTime"},
	ResourceTypeObservation: {"effectiveDateTime"},
}

// ValidationResult holds the results of a FHIR resource validation.
type ValidationResult struct {
	Valid  bool
	Issues []OperationOutcomeIssue
}

// ToOperationOutcome converts a ValidationResult into an OperationOutcome.
func (vr *ValidationResult) ToOperationOutcome() *OperationOutcome {
	if len(vr.Issues) == 0 {
		return SuccessOutcome("bundle is valid")
	}
	return MultipleIssuesOutcome(vr.Issues)
}

func (vr *ValidationResult) addError(code, diagnostics, expression string) {
	vr.Valid = false
	vr.Issues = append(vr.Issues, OperationOutcomeIssue{
		Severity:    IssueSeverityError,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  []string{expression},
	})
}

func (vr *ValidationResult) addWarning(code, diagnostics, expression string) {
	vr.Issues = append(vr.Issues, OperationOutcomeIssue{
		Severity:    IssueSeverityWarning,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  []string{expression},
	})
}

// Validator performs structural checks on converted bundles. It is not a
// profile validator: only the elements the converter emits are inspected.
type Validator struct{}

// NewValidator creates a new FHIR Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateResource validates a raw JSON resource. The expression paths of
// reported issues are relative to the resource.
func (v *Validator) ValidateResource(data json.RawMessage, requireID bool) *ValidationResult {
	return v.validateResourceAt(data, requireID, "")
}

func (v *Validator) validateResourceAt(data json.RawMessage, requireID bool, prefix string) *ValidationResult {
	result := &ValidationResult{Valid: true}

	var resource map[string]interface{}
	if err := json.Unmarshal(data, &resource); err != nil {
		at := strings.TrimSuffix(prefix, ".")
		if at == "" {
			at = "resource"
		}
		result.addError(IssueTypeStructure, "invalid JSON: "+err.Error(), at)
		return result
	}

	v.validateResourceType(resource, prefix, result)
	if requireID {
		v.validateID(resource, prefix, result)
	}
	v.validateStatus(resource, prefix, result)
	v.validateGender(resource, prefix, result)
	v.validateDates(resource, prefix, result)
	v.walkReferences(resource, strings.TrimSuffix(prefix, "."), result)

	return result
}

// validateResourceType checks that resourceType is present and recognized.
func (v *Validator) validateResourceType(resource map[string]interface{}, prefix string, result *ValidationResult) {
	rt, ok := resource["resourceType"]
	if !ok {
		result.addError(IssueTypeRequired, "resourceType is required", prefix+"resourceType")
		return
	}

	rtStr, ok := rt.(string)
	if !ok || rtStr == "" {
		result.addError(IssueTypeValue, "resourceType must be a non-empty string", prefix+"resourceType")
		return
	}

	if !IsKnownResourceType(rtStr) {
		result.addError(IssueTypeValue, fmt.Sprintf("unknown resourceType: %s", rtStr), prefix+"resourceType")
	}
}

// validateID checks that id is present when required (for updates).
func (v *Validator) validateID(resource map[string]interface{}, prefix string, result *ValidationResult) {
	id, ok := resource["id"]
	if !ok {
		result.addError(IssueTypeRequired, "id is required for update operations", prefix+"id")
		return
	}
	idStr, ok := id.(string)
	if !ok || idStr == "" {
		result.addError(IssueTypeValue, "id must be a non-empty string", prefix+"id")
	}
}

// validateStatus checks that status values match the valid set for the resource type.
func (v *Validator) validateStatus(resource map[string]interface{}, prefix string, result *ValidationResult) {
	rt, _ := resource["resourceType"].(string)
	validStatuses, hasStatuses := statusValues[rt]
	if !hasStatuses {
		return
	}

	status, ok := resource["status"]
	if !ok {
		result.addError(IssueTypeRequired, fmt.Sprintf("status is required for %s", rt), prefix+"status")
		return
	}
	statusStr, ok := status.(string)
	if !ok {
		result.addError(IssueTypeValue, "status must be a string", prefix+"status")
		return
	}
	if !contains(validStatuses, statusStr) {
		result.addError(IssueTypeCodeInvalid,
			fmt.Sprintf("invalid status '%s' for %s; valid values: %s", statusStr, rt, strings.Join(validStatuses, ", ")),
			prefix+"status")
	}
}

func (v *Validator) validateGender(resource map[string]interface{}, prefix string, result *ValidationResult) {
	if rt, _ := resource["resourceType"].(string); rt != ResourceTypePatient {
		return
	}
	gender, ok := resource["gender"]
	if !ok {
		return
	}
	g, _ := gender.(string)
	if !contains(genderValues, g) {
		result.addError(IssueTypeCodeInvalid,
			fmt.Sprintf("invalid gender %v; valid values: %s", gender, strings.Join(genderValues, ", ")),
			prefix+"gender")
	}
}

func (v *Validator) validateDates(resource map[string]interface{}, prefix string, result *ValidationResult) {
	rt, _ := resource["resourceType"].(string)
	if bd, ok := resource["birthDate"]; ok && rt == ResourceTypePatient {
		s, _ := bd.(string)
		if !datePattern.MatchString(s) {
			result.addError(IssueTypeValue, fmt.Sprintf("birthDate %v is not a FHIR date", bd), prefix+"birthDate")
		}
	}
	for _, field := range dateTimeFields[rt] {
		val, ok := resource[field]
		if !ok {
			continue
		}
		s, _ := val.(string)
		if t, err := time.Parse(time.RFC3339Nano, s); err != nil || t.Year() < 1 {
			result.addError(IssueTypeValue, fmt.Sprintf("%s %v is not a FHIR dateTime", field, val), prefix+field)
		}
	}
}

// walkReferences recursively walks through a resource to find and validate reference fields.
func (v *Validator) walkReferences(obj map[string]interface{}, path string, result *ValidationResult) {
	for key, val := range obj {
		currentPath := key
		if path != "" {
			currentPath = path + "." + key
		}

		switch typedVal := val.(type) {
		case map[string]interface{}:
			if ref, ok := typedVal["reference"]; ok {
				refStr, isStr := ref.(string)
				if isStr && refStr != "" && !ValidateReferenceFormat(refStr) {
					result.addError(IssueTypeValue,
						fmt.Sprintf("invalid reference format '%s'; expected 'ResourceType/id'", refStr),
						currentPath+".reference")
				}
			}
			v.walkReferences(typedVal, currentPath, result)

		case []interface{}:
			for i, item := range typedVal {
				if m, ok := item.(map[string]interface{}); ok {
					v.walkReferences(m, fmt.Sprintf("%s[%d]", currentPath, i), result)
				}
			}
		}
	}
}

// ValidateReferenceFormat validates that a reference string matches "ResourceType/id".
func ValidateReferenceFormat(ref string) bool {
	return referencePattern.MatchString(ref)
}

// ValidateBundleEntry validates a single entry in a transaction/batch bundle.
func (v *Validator) ValidateBundleEntry(entry BundleEntry, index int) []OperationOutcomeIssue {
	result := &ValidationResult{Valid: true}
	at := fmt.Sprintf("entry[%d]", index)

	if entry.Request == nil {
		result.addError(IssueTypeRequired,
			fmt.Sprintf("%s.request is required for transaction/batch bundles", at), at+".request")
		return result.Issues
	}

	method := strings.ToUpper(entry.Request.Method)
	if method != "GET" && method != "POST" && method != "PUT" && method != "DELETE" {
		result.addError(IssueTypeValue,
			fmt.Sprintf("%s.request.method must be GET, POST, PUT, or DELETE; got '%s'", at, entry.Request.Method),
			at+".request.method")
	}

	if entry.Request.URL == "" {
		result.addError(IssueTypeRequired, fmt.Sprintf("%s.request.url is required", at), at+".request.url")
	}

	if method != "POST" && method != "PUT" {
		return result.Issues
	}
	if len(entry.Resource) == 0 {
		result.addError(IssueTypeRequired,
			fmt.Sprintf("%s.resource is required for %s requests", at, method), at+".resource")
		return result.Issues
	}

	vResult := v.validateResourceAt(entry.Resource, method == "PUT", at+".resource.")
	result.Issues = append(result.Issues, vResult.Issues...)

	if method == "PUT" && vResult.Valid && entry.Request.URL != "" {
		var head struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		_ = json.Unmarshal(entry.Resource, &head)
		want := head.ResourceType + "/" + head.ID
		if entry.Request.URL != want {
			result.addError(IssueTypeValue,
				fmt.Sprintf("%s.request.url '%s' does not match resource '%s'", at, entry.Request.URL, want),
				at+".request.url")
		}
	}

	return result.Issues
}

// ValidateBundle validates an entire transaction or batch bundle. Repeated
// request URLs are reported as warnings: the later entry overwrites the
// earlier one when the bundle is applied.
func (v *Validator) ValidateBundle(bundle *Bundle) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if bundle.Type != BundleTypeTransaction && bundle.Type != BundleTypeBatch {
		result.addError(IssueTypeValue,
			fmt.Sprintf("bundle type must be 'transaction' or 'batch' for processing; got '%s'", bundle.Type), "type")
		return result
	}

	if len(bundle.Entry) == 0 {
		result.addError(IssueTypeRequired, "bundle must contain at least one entry", "entry")
		return result
	}

	seen := make(map[string]int, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		for _, issue := range v.ValidateBundleEntry(entry, i) {
			if issue.Severity == IssueSeverityError {
				result.Valid = false
			}
			result.Issues = append(result.Issues, issue)
		}
		if entry.Request == nil || entry.Request.URL == "" {
			continue
		}
		if first, dup := seen[entry.Request.URL]; dup {
			result.addWarning(IssueTypeDuplicate,
				fmt.Sprintf("entry[%d] repeats request url '%s' first seen at entry[%d]", i, entry.Request.URL, first),
				fmt.Sprintf("entry[%d].request.url", i))
			continue
		}
		seen[entry.Request.URL] = i
	}

	return result
}

// IsKnownResourceType returns true if the resource type is recognized.
func IsKnownResourceType(rt string) bool {
	return knownResourceTypes[rt]
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
