package forum

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/syuukuriimu/student-forum/core"
)

var (
	nosentinelTag  = "nosentinel"
	nosentinelText = "messages cannot start with [SYSTEM] or [先生]"
)

// InitValidators registers the forum's custom validators. Call it after core.InitValidators.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(nosentinelTag, nosentinelValidation)
	core.RegisterCustomTranslation(validate, translator, nosentinelTag, nosentinelText)
}

// nosentinelValidation keeps students from forging tagged messages.
func nosentinelValidation(fl validator.FieldLevel) bool {
	return !hasLegacyPrefix(fl.Field().String())
}
