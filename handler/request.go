package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/validate"
)

var errMalformedBody = apperror.New(apperror.KindValidation, "malformed_body", "Invalid request format")

// decodeAndValidate reads a JSON body into dst and runs the struct
// validators on it
func decodeAndValidate(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil {
		return err
	}
	return validateRequest(dst)
}

// decodeJSON reads a JSON body into dst. Unknown fields are rejected.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.New(apperror.KindValidation, "empty_body", "Request body is required")
		}
		return errMalformedBody
	}
	return nil
}

func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		return apperror.New(apperror.KindValidation, "validation_failed", err.Error())
	}
	return nil
}
