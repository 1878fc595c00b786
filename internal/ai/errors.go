package ai

import "errors"

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrSchemaValidation    = errors.New("ai output failed schema validation")
	ErrUnknownProvider     = errors.New("unknown AI provider")
)
