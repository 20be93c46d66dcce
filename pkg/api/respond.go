package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/logger"
)

// maxBodyBytes caps admin request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("failed to encode response: %v", err)
	}
}

// writeError renders a taxonomy error as `{error, code, details?}` with
// the mapped HTTP status. Internal errors hide their cause from the body.
func writeError(w http.ResponseWriter, err error) {
	se := serrors.As(err)
	status := serrors.HTTPStatus(se.Code)
	if status == http.StatusInternalServerError {
		logger.Errorw("request failed", "code", se.Code, "error", err)
	}
	body := map[string]any{
		"error": se.Message,
		"code":  se.Code,
	}
	if len(se.Details) > 0 {
		body["details"] = se.Details
	}
	writeJSON(w, status, body)
}

// decodeStrict decodes a JSON body into v, rejecting unknown top-level
// keys, and runs struct validation.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return serrors.Wrap(serrors.CodeValidation, "invalid request body", err)
	}
	// A trailing second document is a malformed request, not an extra.
	if dec.More() {
		return serrors.New(serrors.CodeValidation, "request body must contain a single JSON object")
	}
	if err := validate.Struct(v); err != nil {
		details := map[string]any{}
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				details[fe.Field()] = fmt.Sprintf("failed %q validation", fe.Tag())
			}
		}
		return serrors.New(serrors.CodeValidation, "request validation failed").WithDetails(details)
	}
	return nil
}
