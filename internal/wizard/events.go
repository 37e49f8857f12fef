package wizard

// Event is anything Apply accepts.
type Event interface {
	eventName() string
}

// NavigateTo moves to Step, pushing the current step onto history.
type NavigateTo struct{ Step Step }

// GoBack returns to the previous step.
type GoBack struct{}

// SetMembership records the membership answer.
type SetMembership struct{ Member bool }

// SetSpinalAdjustment records the spinal adjustment answer.
type SetSpinalAdjustment struct{ Consent bool }

// DeselectSpinalAdjustment clears the spinal adjustment answer.
type DeselectSpinalAdjustment struct{}

// SelectTreatment picks a treatment; nil clears the selection.
type SelectTreatment struct{ Treatment *Treatment }

// SelectVisitCategory picks the visit type on the category step.
type SelectVisitCategory struct{ Category VisitCategory }

// DetailField names an editable contact field.
type DetailField string

const (
	FieldName           DetailField = "name"
	FieldPhone          DetailField = "phone"
	FieldEmail          DetailField = "email"
	FieldBirthday       DetailField = "birthday"
	FieldAdditionalInfo DetailField = "additionalInfo"
	FieldConsent        DetailField = "consent"
)

// UpdateDetail sets one contact field. Consent takes "true" or "false".
type UpdateDetail struct {
	Field DetailField
	Value string
}

// UpdateDiscomfort adds or removes one discomfort area.
type UpdateDiscomfort struct {
	Area     string
	Selected bool
}

// AttemptSubmit marks that the user pressed submit on the details step.
type AttemptSubmit struct{}

// SubmissionStarted marks the provider call as in flight.
type SubmissionStarted struct{}

// SubmissionSucceeded records the provider result and finishes the wizard.
type SubmissionSucceeded struct{ Result SubmissionResult }

// SubmissionFailed records a user-facing failure message.
type SubmissionFailed struct{ Message string }

// Reset discards every answer and returns to the flow's first step.
type Reset struct{}

func (NavigateTo) eventName() string               { return "navigate_to" }
func (GoBack) eventName() string                   { return "go_back" }
func (SetMembership) eventName() string            { return "set_membership" }
func (SetSpinalAdjustment) eventName() string      { return "set_spinal_adjustment" }
func (DeselectSpinalAdjustment) eventName() string { return "deselect_spinal_adjustment" }
func (SelectTreatment) eventName() string          { return "select_treatment" }
func (SelectVisitCategory) eventName() string      { return "select_visit_category" }
func (UpdateDetail) eventName() string             { return "update_detail" }
func (UpdateDiscomfort) eventName() string         { return "update_discomfort" }
func (AttemptSubmit) eventName() string            { return "attempt_submit" }
func (SubmissionStarted) eventName() string        { return "submission_started" }
func (SubmissionSucceeded) eventName() string      { return "submission_succeeded" }
func (SubmissionFailed) eventName() string         { return "submission_failed" }
func (Reset) eventName() string                    { return "reset" }
