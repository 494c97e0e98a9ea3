package api

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Lock identifier bounds for namespaces and lock names.
const (
	MinIdentLength = 3
	MaxIdentLength = 64

	MaxLeaseDuration = 86400

	// MaxOwnerLength bounds both the owner header and instanceId.
	MaxOwnerLength = 256
)

var identPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var registerOnce sync.Once

// RegisterValidators adds the lockident tag to gin's validator. It is safe to
// call more than once.
func RegisterValidators() error {
	var err error
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = errors.New("gin validator engine is not go-playground/validator")
			return
		}
		err = v.RegisterValidation("lockident", validateIdent)
	})
	return err
}

// ValidIdent reports whether s is a valid namespace or lock name.
func ValidIdent(s string) bool {
	return len(s) >= MinIdentLength && len(s) <= MaxIdentLength && identPattern.MatchString(s)
}

func validateIdent(fl validator.FieldLevel) bool {
	return ValidIdent(fl.Field().String())
}

// lockURI carries the path parameters shared by every lock route.
type lockURI struct {
	Namespace string `uri:"namespace" binding:"required,lockident"`
	Name      string `uri:"name" binding:"required,lockident"`
}

// leaseBody is the body of acquire and renew.
type leaseBody struct {
	InstanceID    string `json:"instanceId" binding:"required,max=256"`
	LeaseDuration int64  `json:"leaseDuration" binding:"required,min=1,max=86400"`
}

// releaseBody is the body of release.
type releaseBody struct {
	InstanceID string `json:"instanceId" binding:"required,max=256"`
}

// ValidationDetail describes one rejected field.
type ValidationDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// validationDetails turns a binding error into per-field messages.
func validationDetails(err error) []ValidationDetail {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationDetail{{Field: "body", Message: "malformed request body"}}
	}

	details := make([]ValidationDetail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, ValidationDetail{
			Field:   jsonField(fe.Field()),
			Message: fieldMessage(fe),
		})
	}
	return details
}

func jsonField(name string) string {
	switch name {
	case "Namespace":
		return "namespace"
	case "Name":
		return "name"
	case "InstanceID":
		return "instanceId"
	case "LeaseDuration":
		return "leaseDuration"
	}
	return name
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "lockident":
		return fmt.Sprintf("must be %d-%d characters of letters, digits, '_' or '-'", MinIdentLength, MaxIdentLength)
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "is invalid"
}
