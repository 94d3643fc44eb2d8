package focus_fields

import (
	"github.com/go-playground/validator/v10"
)

// ProviderKindValidation is exported so the gin binding engine can
// register the same rule under the provider tag.
var ProviderKindValidation validator.Func = providerKind

// providerKind accepts only the identity providers the gateway can
// actually verify.
func providerKind(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case ProviderPassword, ProviderGoogle, ProviderFacebook:
		return true
	}
	return false
}
