// Package wizard is the intake wizard state machine. A location's intake
// category selects the flow; events move the state between steps and record
// answers. Apply is pure: it never mutates its input state.
package wizard

import (
	"github.com/MGallo-Code/chiroport/internal/intake"
)

// Step is a wizard screen.
type Step string

const (
	StepQuestion       Step = "question"
	StepJoin           Step = "join"
	StepNonmember      Step = "nonmember"
	StepCategory       Step = "category"
	StepMassageOptions Step = "massage_options"
	StepDetails        Step = "details"
	StepSuccess        Step = "success"
)

// Category is a location's configured intake flow.
type Category string

const (
	CategoryStandard      Category = "standard"
	CategoryOffersMassage Category = "offers_massage"
)

// VisitCategory is the visit type picked on the category step.
type VisitCategory string

const (
	VisitPriorityPass VisitCategory = "priority_pass"
	VisitChiropractor VisitCategory = "chiropractor"
	VisitMassage      VisitCategory = "massage"
)

func (v VisitCategory) valid() bool {
	switch v {
	case VisitPriorityPass, VisitChiropractor, VisitMassage:
		return true
	}
	return false
}

// Tri is a yes/no answer that may not have been given yet.
type Tri int8

const (
	Unanswered Tri = iota
	Yes
	No
)

// TriOf converts a bool answer.
func TriOf(b bool) Tri {
	if b {
		return Yes
	}
	return No
}

// Ptr returns nil when unanswered.
func (t Tri) Ptr() *bool {
	if t == Unanswered {
		return nil
	}
	b := t == Yes
	return &b
}

// Treatment is a selectable service.
type Treatment = intake.Treatment

// Details holds the contact form fields.
type Details struct {
	Name           string
	Phone          string
	Email          string
	Birthday       string
	Discomfort     []string
	AdditionalInfo string
	Consent        bool
}

// SubmissionResult is what the UI shows on the success step.
type SubmissionResult struct {
	QueueEntryID         string
	Position             *int
	EstimatedWaitMinutes *int
}

// State is one session's wizard state.
//
// History never contains CurrentStep. After a submission completes exactly
// one of SubmissionError and SubmissionResult is set; both are empty before.
type State struct {
	Category          Category
	CurrentStep       Step
	History           []Step
	IsMember          Tri
	SpinalAdjustment  Tri
	SelectedTreatment *Treatment
	VisitCategory     VisitCategory
	Details           Details
	SubmitAttempted   bool
	IsSubmitting      bool
	SubmissionError   string
	SubmissionResult  *SubmissionResult
}

// clone deep-copies everything Apply may change in place.
func (s State) clone() State {
	out := s
	out.History = append([]Step(nil), s.History...)
	out.Details.Discomfort = append([]string(nil), s.Details.Discomfort...)
	if s.SelectedTreatment != nil {
		t := *s.SelectedTreatment
		out.SelectedTreatment = &t
	}
	if s.SubmissionResult != nil {
		r := *s.SubmissionResult
		out.SubmissionResult = &r
	}
	return out
}
