package wizard

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrInvalidTransition is returned for events the current state does not accept.
	ErrInvalidTransition = errors.New("invalid wizard transition")
	// ErrSubmissionInFlight is returned while a submission is running.
	ErrSubmissionInFlight = errors.New("submission already in flight")
	// ErrTerminal is returned for any event other than Reset on the success step.
	ErrTerminal = errors.New("wizard is complete")
	// ErrTreatmentRequired guards entry to details from a treatment step.
	ErrTreatmentRequired = errors.New("select a treatment first")
)

const defaultSubmissionError = "We couldn't add you to the queue. Please try again."

// Transition applies ev and returns the input state unchanged if ev is rejected.
func Transition(s State, ev Event) State {
	next, err := Apply(s, ev)
	if err != nil {
		return s
	}
	return next
}

// Apply returns the state after ev. On error it returns s as given; s is
// never modified either way.
func Apply(s State, ev Event) (State, error) {
	next, err := apply(s, ev)
	if err != nil {
		return s, err
	}
	return next, nil
}

func apply(s State, ev Event) (State, error) {
	if ev == nil {
		return s, fmt.Errorf("%w: nil event", ErrInvalidTransition)
	}
	if s.CurrentStep == StepSuccess {
		if _, ok := ev.(Reset); !ok {
			return s, fmt.Errorf("%w: %s", ErrTerminal, ev.eventName())
		}
	}

	next := s.clone()
	f := flowFor(s.Category)

	switch e := ev.(type) {
	case Reset:
		return Initial(s.Category), nil

	case NavigateTo:
		return next.navigate(f, e.Step)

	case GoBack:
		if s.IsSubmitting {
			return s, ErrSubmissionInFlight
		}
		if n := len(next.History); n > 0 {
			next.CurrentStep = next.History[n-1]
			next.History = next.History[:n-1]
		} else {
			next.CurrentStep = f.initial
		}
		next.SubmitAttempted = false
		return next, nil

	case SetMembership:
		next.IsMember = TriOf(e.Member)
		choice := choiceMemberNo
		if e.Member {
			choice = choiceMemberYes
		}
		return next.route(f, choice)

	case SetSpinalAdjustment:
		next.SpinalAdjustment = TriOf(e.Consent)
		return next.route(f, choiceSpinal)

	case DeselectSpinalAdjustment:
		next.SpinalAdjustment = Unanswered
		return next, nil

	case SelectTreatment:
		if e.Treatment == nil {
			next.SelectedTreatment = nil
			return next, nil
		}
		t := *e.Treatment
		next.SelectedTreatment = &t
		return next.route(f, choiceTreatment)

	case SelectVisitCategory:
		if !e.Category.valid() {
			return s, fmt.Errorf("%w: unknown visit category %q", ErrInvalidTransition, e.Category)
		}
		next.VisitCategory = e.Category
		return next.route(f, visitChoice(e.Category))

	case UpdateDetail:
		if err := next.Details.set(e.Field, e.Value); err != nil {
			return s, err
		}
		return next, nil

	case UpdateDiscomfort:
		next.Details.Discomfort = toggle(next.Details.Discomfort, e.Area, e.Selected)
		return next, nil

	case AttemptSubmit:
		if s.IsSubmitting {
			return s, ErrSubmissionInFlight
		}
		if s.CurrentStep != StepDetails {
			return s, fmt.Errorf("%w: submit outside details", ErrInvalidTransition)
		}
		next.SubmitAttempted = true
		return next, nil

	case SubmissionStarted:
		if s.IsSubmitting {
			return s, ErrSubmissionInFlight
		}
		if s.CurrentStep != StepDetails {
			return s, fmt.Errorf("%w: submission outside details", ErrInvalidTransition)
		}
		next.IsSubmitting = true
		next.SubmissionError = ""
		next.SubmissionResult = nil
		return next, nil

	case SubmissionSucceeded:
		if !s.IsSubmitting {
			return s, fmt.Errorf("%w: no submission in flight", ErrInvalidTransition)
		}
		r := e.Result
		next.IsSubmitting = false
		next.SubmissionResult = &r
		next.SubmissionError = ""
		next.SubmitAttempted = false
		next.History = append(next.History, next.CurrentStep)
		next.CurrentStep = StepSuccess
		return next, nil

	case SubmissionFailed:
		if !s.IsSubmitting {
			return s, fmt.Errorf("%w: no submission in flight", ErrInvalidTransition)
		}
		next.IsSubmitting = false
		next.SubmissionResult = nil
		next.SubmissionError = e.Message
		if next.SubmissionError == "" {
			next.SubmissionError = defaultSubmissionError
		}
		return next, nil
	}

	return s, fmt.Errorf("%w: unsupported event %T", ErrInvalidTransition, ev)
}

// route follows the flow table for an answer given on the current step.
// Answers with no table entry are recorded without moving.
func (s State) route(f flow, choice string) (State, error) {
	target, ok := f.next[choiceKey{s.CurrentStep, choice}]
	if !ok {
		return s, nil
	}
	return s.navigate(f, target)
}

// navigate moves s to target. s must already be a private copy.
func (s State) navigate(f flow, target Step) (State, error) {
	if s.IsSubmitting {
		return s, ErrSubmissionInFlight
	}
	if !f.steps[target] {
		return s, fmt.Errorf("%w: %s is not part of the %s flow", ErrInvalidTransition, target, s.Category)
	}
	if target == StepSuccess {
		return s, fmt.Errorf("%w: success is reached only by submitting", ErrInvalidTransition)
	}
	if target == StepDetails && f.needsTreatment[s.CurrentStep] && s.SelectedTreatment == nil {
		return s, ErrTreatmentRequired
	}
	if target == s.CurrentStep {
		return s, nil
	}

	if i := slices.Index(s.History, target); i >= 0 {
		s.History = s.History[:i]
	} else {
		s.History = append(s.History, s.CurrentStep)
	}
	s.CurrentStep = target
	s.SubmitAttempted = false
	return s, nil
}

func (d *Details) set(field DetailField, value string) error {
	switch field {
	case FieldName:
		d.Name = value
	case FieldPhone:
		d.Phone = value
	case FieldEmail:
		d.Email = strings.TrimSpace(value)
	case FieldBirthday:
		d.Birthday = value
	case FieldAdditionalInfo:
		d.AdditionalInfo = value
	case FieldConsent:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: consent must be true or false", ErrInvalidTransition)
		}
		d.Consent = b
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidTransition, field)
	}
	return nil
}

// toggle adds or removes area, keeping first-selected order.
func toggle(areas []string, area string, selected bool) []string {
	area = strings.TrimSpace(area)
	if area == "" {
		return areas
	}
	i := slices.Index(areas, area)
	switch {
	case selected && i < 0:
		return append(areas, area)
	case !selected && i >= 0:
		return slices.Delete(areas, i, i+1)
	}
	return areas
}
