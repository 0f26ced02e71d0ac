package utils

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate

	eventKindPattern   = regexp.MustCompile(`^[a-z]+(\.[a-z]+)*$`)
	witnessHashPattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
	documentIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)
)

func init() {
	validate = validator.New()
	RegisterCustomValidations()
}

// ValidateStruct validates a struct using validation tags
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	return nil
}

// IsValidEventKind checks a dotted lowercase kind such as "anchor.confirmed".
// Underscores are rejected so legacy kinds like "anchor_confirmed" cannot slip in.
func IsValidEventKind(kind string) bool {
	return eventKindPattern.MatchString(kind)
}

// IsValidWitnessHash checks a hex SHA-256 digest.
func IsValidWitnessHash(hash string) bool {
	return witnessHashPattern.MatchString(hash)
}

// ValidateDocumentID validates a document entity ID
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("document ID cannot be empty")
	}
	if !documentIDPattern.MatchString(id) {
		return fmt.Errorf("document ID %q contains invalid characters", id)
	}
	return nil
}

// RegisterCustomValidations registers custom validation functions
func RegisterCustomValidations() {
	validate.RegisterValidation("event_kind", func(fl validator.FieldLevel) bool {
		return IsValidEventKind(fl.Field().String())
	})

	validate.RegisterValidation("witness_hash", func(fl validator.FieldLevel) bool {
		return IsValidWitnessHash(fl.Field().String())
	})

	validate.RegisterValidation("document_id", func(fl validator.FieldLevel) bool {
		return ValidateDocumentID(fl.Field().String()) == nil
	})
}
