package shared

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// maxRequestBody caps request bodies. Documents carry whole chapter texts,
// so the limit is generous but bounded.
const maxRequestBody = 10 << 20 // 10 MiB

var validate = validator.New()

// DecodeJSON decodes the request body into the given struct, rejecting
// bodies over the size cap.
func DecodeJSON(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

// ValidateRequest validates the struct's `validate` tags. A type may take
// over by implementing Validate() error.
func ValidateRequest(v any) error {
	if custom, ok := v.(interface{ Validate() error }); ok {
		return custom.Validate()
	}
	return validate.Struct(v)
}
