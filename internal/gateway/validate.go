package gateway

import "fmt"

// ValidateChatRequest canonicalizes and type-checks an inbound request.
// It returns an *Error of type invalid_request_error on the first violation
// and applies defaults (stream=false is the zero value; x-cache defaults to
// true) on success.
func ValidateChatRequest(r *ChatRequest) *Error {
	if r.Model == "" {
		return NewError(ErrTypeInvalidRequest, "model is required")
	}
	if len(r.Messages) == 0 {
		return NewError(ErrTypeInvalidRequest, "messages must be a non-empty array")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return NewError(ErrTypeInvalidRequest,
				fmt.Sprintf("messages[%d].role must be one of system, user, assistant", i))
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return NewError(ErrTypeInvalidRequest, "temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return NewError(ErrTypeInvalidRequest, "top_p must be between 0 and 1")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return NewError(ErrTypeInvalidRequest, "max_tokens must be greater than 0")
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2 || *r.PresencePenalty > 2) {
		return NewError(ErrTypeInvalidRequest, "presence_penalty must be between -2 and 2")
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2 || *r.FrequencyPenalty > 2) {
		return NewError(ErrTypeInvalidRequest, "frequency_penalty must be between -2 and 2")
	}
	if r.N != nil && *r.N != 1 {
		return NewError(ErrTypeInvalidRequest, "n must be 1")
	}
	if r.RoutingStrategy != "" && !ValidStrategy(r.RoutingStrategy) {
		return NewError(ErrTypeInvalidRequest,
			fmt.Sprintf("unknown x-routing-strategy %q", r.RoutingStrategy))
	}

	// Apply defaults.
	if r.Cache == nil {
		enabled := true
		r.Cache = &enabled
	}
	return nil
}
