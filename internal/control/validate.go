package control

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/template"
)

// CreateRequest is the create command
type CreateRequest struct {
	Name                  string     `json:"name" validate:"required,max=200"`
	RotationMode          string     `json:"rotation_mode" validate:"omitempty,oneof=round_robin balanced intelligent"`
	IntervalMinSeconds    int        `json:"interval_min_seconds" validate:"min=20,max=420"`
	IntervalMaxSeconds    int        `json:"interval_max_seconds" validate:"min=20,max=420,gtefield=IntervalMinSeconds"`
	DailyLimitPerInstance int        `json:"daily_limit_per_instance" validate:"omitempty,min=1,max=10000"`
	PauseOnHealthBelow    int        `json:"pause_on_health_below" validate:"min=0,max=100"`
	ScheduledAt           *time.Time `json:"scheduled_at,omitempty"`
	CalendarID            string     `json:"calendar_id,omitempty" validate:"omitempty,max=64"`
	Variants              []string   `json:"variants" validate:"required,min=1,max=20,dive,required,max=4096"`
	InstanceIDs           []string   `json:"instance_ids" validate:"required,min=1,unique,dive,required"`
	ContactIDs            []string   `json:"contact_ids" validate:"required,min=1,unique,dive,required"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError converts validator output into a models.ValidationError
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = describe(fe)
	}
	return &models.ValidationError{Fields: fields}
}

// fieldPath drops the struct name from the namespace, e.g. variants[0]
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s items", fe.Param())
		}
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at most %s items", fe.Param())
		}
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "gtefield":
		return "must not be lower than interval_min_seconds"
	case "unique":
		return "must not contain duplicates"
	}
	return "is invalid (" + fe.Tag() + ")"
}

// validate runs tag validation and the checks tags cannot express
func (s *Service) validate(req *CreateRequest, now time.Time) error {
	fields := map[string]string{}
	if err := s.validator.Struct(req); err != nil {
		var verr *models.ValidationError
		if !errors.As(validationError(err), &verr) {
			return fmt.Errorf("failed to validate request: %w", err)
		}
		fields = verr.Fields
	}

	for i, body := range req.Variants {
		if body == "" {
			continue
		}
		if err := template.Validate(body); err != nil {
			fields[fmt.Sprintf("variants[%d]", i)] = err.Error()
		}
	}
	if req.ScheduledAt != nil && !req.ScheduledAt.After(now) {
		fields["scheduled_at"] = "must be in the future"
	}

	if len(fields) > 0 {
		return &models.ValidationError{Fields: fields}
	}
	return nil
}
