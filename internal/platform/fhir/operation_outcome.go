package fhir

// OperationOutcome severity levels (FHIR R4 IssueSeverity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the bundle validator.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeStructure     = "structure"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeProcessing    = "processing"
	IssueTypeDuplicate     = "duplicate"
	IssueTypeCodeInvalid   = "code-invalid"
	IssueTypeInformational = "informational"
)

// SuccessOutcome creates an OperationOutcome with a single informational issue.
func SuccessOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, message)
}

// MultipleIssuesOutcome creates an OperationOutcome carrying all issues.
func MultipleIssuesOutcome(issues []OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: ResourceTypeOperationOutcome,
		Issue:        issues,
	}
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Warnings returns the warning-level issues only.
func (o *OperationOutcome) Warnings() []OperationOutcomeIssue {
	var out []OperationOutcomeIssue
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityWarning {
			out = append(out, issue)
		}
	}
	return out
}
