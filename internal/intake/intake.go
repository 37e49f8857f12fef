// Package intake defines the walk-in intake payload shared by the wizard,
// the submit endpoint and the queue provider client, plus its validation schema.
package intake

import (
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Treatment is a service offered at a location.
type Treatment struct {
	Title       string `json:"title" validate:"required,max=100"`
	Price       string `json:"price" validate:"max=20"`
	Time        string `json:"time" validate:"max=20"`
	Description string `json:"description,omitempty" validate:"max=500"`
}

// Intake is the finished wizard payload forwarded to the queue provider.
type Intake struct {
	LocationID        string     `json:"locationId" validate:"required,max=64"`
	Name              string     `json:"name" validate:"required,min=2,max=100"`
	Phone             string     `json:"phone" validate:"required,phone"`
	Email             string     `json:"email" validate:"required,email,max=254"`
	Birthday          string     `json:"birthday" validate:"required,birthday"`
	Discomfort        []string   `json:"discomfort" validate:"max=10,dive,required,max=60"`
	AdditionalInfo    string     `json:"additionalInfo" validate:"max=500"`
	Consent           bool       `json:"consent" validate:"required"`
	SelectedTreatment *Treatment `json:"selectedTreatment,omitempty" validate:"omitempty"`
	VisitCategory     string     `json:"visitCategory,omitempty" validate:"omitempty,oneof=priority_pass chiropractor massage"`
	IsMember          *bool      `json:"isMember,omitempty"`
	SpinalAdjustment  *bool      `json:"spinalAdjustment,omitempty"`
}

// SubmitResult is the normalized provider response for a queued intake.
type SubmitResult struct {
	QueueEntryID   string    `json:"queueEntryId"`
	PublicToken    string    `json:"publicToken"`
	QueueID        string    `json:"queueId"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	QueuePosition  *int      `json:"queuePosition,omitempty"`
	AlreadyInQueue bool      `json:"alreadyInQueue,omitempty"`
}

// FieldErrors maps a JSON field name to a user-safe message.
// nil means the payload is valid.
type FieldErrors map[string]string

// birthdayLayout is the form's MM/DD/YYYY format.
const birthdayLayout = "01/02/2006"

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// schema returns the shared validator with custom rules registered.
func schema() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report JSON names so errors line up with form fields.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			_, ok := NormalizePhone(fl.Field().String())
			return ok
		})
		v.RegisterValidation("birthday", func(fl validator.FieldLevel) bool {
			return validBirthday(fl.Field().String(), time.Now())
		})
		validate = v
	})
	return validate
}

// Validate checks the payload against the intake schema.
func Validate(in Intake) FieldErrors {
	err := schema().Struct(in)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return FieldErrors{"_": "invalid submission"}
	}

	out := make(FieldErrors, len(verrs))
	for _, fe := range verrs {
		field := fieldPath(fe.Namespace())
		if _, seen := out[field]; seen {
			continue
		}
		out[field] = message(fe)
	}
	return out
}

// fieldPath strips the struct name from a validator namespace:
// "Intake.selectedTreatment.title" -> "selectedTreatment.title".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// message turns a validation failure into copy the kiosk can show.
func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if fe.Field() == "consent" {
			return "Consent is required to join the queue"
		}
		return "This field is required"
	case "email":
		return "Enter a valid email address"
	case "phone":
		return "Enter a valid phone number"
	case "birthday":
		return "Enter your birthday as MM/DD/YYYY"
	case "min":
		return "Too short"
	case "max":
		return "Too long"
	case "oneof":
		return "Choose one of the listed options"
	default:
		return "Invalid value"
	}
}

// NormalizePhone strips formatting and returns an E.164-style number.
// Ten-digit numbers are treated as North American (+1).
func NormalizePhone(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}
	digits := b.String()
	switch {
	case len(digits) == 10:
		return "+1" + digits, true
	case len(digits) >= 11 && len(digits) <= 15:
		return "+" + digits, true
	default:
		return "", false
	}
}

// validBirthday accepts MM/DD/YYYY dates between 1900 and now.
func validBirthday(s string, now time.Time) bool {
	d, err := time.Parse(birthdayLayout, strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return d.Year() >= 1900 && !d.After(now)
}

// FirstAndLastName splits a full name on the last space.
// Single-word names return an empty last name.
func FirstAndLastName(full string) (string, string) {
	full = strings.Join(strings.Fields(full), " ")
	i := strings.LastIndexByte(full, ' ')
	if i < 0 {
		return full, ""
	}
	return full[:i], full[i+1:]
}
