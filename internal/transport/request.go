package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/pitabwire/curator/internal/definition"
	"github.com/pitabwire/curator/model"
)

const maxBodyBytes = 1 << 20

var bodyValidator = definition.NewValidator()

// decodeBody reads a JSON body into dst and applies its validate tags. An
// empty body leaves dst untouched so optional bodies may be omitted.
func decodeBody(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil {
		return err
	}
	return definition.AsError(bodyValidator.Struct(dst))
}

// decodeJSON reads a JSON body without validation, for payloads the
// definition service validates itself.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}

// caller returns the principal resolved by the middleware chain.
func caller(r *http.Request) (*model.Principal, error) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		return nil, model.NewUnauthorizedError("missing caller identity")
	}
	return p, nil
}

func requireCapability(p *model.Principal, capability string) error {
	if p.IsAdministrator() || p.Capabilities.Has(capability) {
		return nil
	}
	return model.NewForbiddenError("missing capability " + capability)
}

func queryInt(r *http.Request, name string, fallback, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewValidationError([]model.FieldError{{
			Field: name, Code: "INVALID", Message: name + " must be a non-negative integer",
		}})
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
