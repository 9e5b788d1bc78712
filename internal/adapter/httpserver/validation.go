package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeJSON reads, size-limits, decodes, and struct-validates the request
// body into dst. Oversized bodies map to payload_too_large; everything else
// malformed maps to invalid_parameter.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.Ef(domain.CodePayloadTooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return domain.E(domain.CodeInvalidParameter, "request body is required")
		}
		return domain.WrapCode(domain.CodeInvalidParameter, "request body is not valid JSON", err)
	}
	if dec.More() {
		return domain.E(domain.CodeInvalidParameter, "request body must contain a single JSON object")
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.Ef(domain.CodeInvalidParameter, "field %s failed %s validation",
				strings.ToLower(fe.Field()), fe.Tag())
		}
		return domain.WrapCode(domain.CodeInvalidParameter, "request validation failed", err)
	}
	return nil
}
