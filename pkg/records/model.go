// Package records is the typed client of the medical-records API. List and
// lookup queries go through the shared query cache; mutations invalidate the
// cached queries of the resource they change.
package records

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// API resources.
const (
	ResourcePatients = "patients"
	ResourceDiseases = "diseases"
	ResourceDoctors  = "doctors"
	ResourceTags     = "tags"
)

// Resources lists the list resources served by the API.
var Resources = []string{ResourcePatients, ResourceDiseases, ResourceDoctors, ResourceTags}

// ErrInvalidInput is returned when a request fails validation before it is sent.
var ErrInvalidInput = errors.New("invalid input")

var validate = validator.New()

// Disease is a diagnosis that can be attached to patients and medicines.
type Disease struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Doctor is a treating physician.
type Doctor struct {
	ID        string `json:"_id"`
	Name      string `json:"name"`
	Specialty string `json:"specialty,omitempty"`
}

// Patient is a patient record with its diagnoses and doctors expanded.
type Patient struct {
	ID       string    `json:"_id"`
	Name     string    `json:"name"`
	Age      int       `json:"age"`
	Diseases []Disease `json:"diseases"`
	Doctors  []Doctor  `json:"doctors"`
}

// Tag labels records.
type Tag struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Medicine is a drug and the diseases it treats.
type Medicine struct {
	ID           string    `json:"_id"`
	Name         string    `json:"name"`
	Manufacturer string    `json:"manufacturer"`
	Diseases     []Disease `json:"diseases"`
}

// PatientInput is the body of patient create and update requests.
// Diseases and doctors are referenced by id.
type PatientInput struct {
	Name     string   `json:"name" validate:"required"`
	Age      int      `json:"age" validate:"min=1"`
	Diseases []string `json:"diseases" validate:"dive,required"`
	Doctors  []string `json:"doctors" validate:"dive,required"`
}

// Validate checks the input before it is sent.
func (in PatientInput) Validate() error {
	return validateStruct(in)
}

// PatientInputFrom converts a patient into the input that would recreate it.
func PatientInputFrom(p Patient) PatientInput {
	in := PatientInput{
		Name:     p.Name,
		Age:      p.Age,
		Diseases: make([]string, 0, len(p.Diseases)),
		Doctors:  make([]string, 0, len(p.Doctors)),
	}
	for _, d := range p.Diseases {
		in.Diseases = append(in.Diseases, d.ID)
	}
	for _, d := range p.Doctors {
		in.Doctors = append(in.Doctors, d.ID)
	}
	return in
}

// TagInput is the body of tag update requests.
type TagInput struct {
	Name string `json:"name" validate:"required"`
}

// Validate checks the input before it is sent.
func (in TagInput) Validate() error {
	return validateStruct(in)
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", field))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}
