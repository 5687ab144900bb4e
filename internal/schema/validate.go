package schema

import (
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	nameRe   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)
	secretRe = regexp.MustCompile(`^[a-z0-9-]+$`)
	semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)

	validateOnce sync.Once
	v            *validator.Validate
)

// Validator returns the process-wide validator instance, registering the
// custom tags used throughout this package on first use.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v = validator.New()
		_ = v.RegisterValidation("manifest_name", func(fl validator.FieldLevel) bool {
			return nameRe.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("secret_name", func(fl validator.FieldLevel) bool {
			return secretRe.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return semverRe.MatchString(fl.Field().String())
		})
	})
	return v
}

// ValidateEgressRule enforces the "exactly one of to_namespace/to_cidr"
// constraint that struct tags alone cannot express.
func ValidateEgressRule(r EgressAllowRule) bool {
	return r.HasExactlyOneTarget()
}
