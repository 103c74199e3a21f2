package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

const maxBodyBytes = 1 << 20

// Bind decodes a JSON body into target and validates its struct tags. Failures come
// back as *shared.ValidationError.
func Bind(r *http.Request, v *validator.Validate, target any) error {
	return bind(r, v, target, false)
}

// BindOptional is Bind for endpoints whose body may be omitted.
func BindOptional(r *http.Request, v *validator.Validate, target any) error {
	return bind(r, v, target, true)
}

func bind(r *http.Request, v *validator.Validate, target any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil && !(optional && errors.Is(err, io.EOF)) {
		return shared.Invalid("body", "is not valid JSON: "+err.Error())
	}
	if v == nil {
		return nil
	}
	if err := v.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return shared.Invalid(jsonField(fe.Namespace()), ruleReason(fe))
		}
		return shared.Invalid("body", err.Error())
	}
	return nil
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// IDParam parses a positive int64 chi URL parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

// QueryInt reads an optional integer query parameter.
func QueryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// jsonField drops the struct name from a namespace such as "receiveRequest.lines[0].qty".
func jsonField(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		namespace = namespace[i+1:]
	}
	return strings.ToLower(namespace)
}

func ruleReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt", "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// ActorFrom returns the actor placed in the request context by the auth middleware.
func ActorFrom(r *http.Request) (shared.Actor, error) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return shared.Actor{}, shared.ErrUnauthorized
	}
	return actor, nil
}

// ReadUpload reads one file field of a multipart request.
func ReadUpload(r *http.Request, field string, maxBytes int64) (string, []byte, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return "", nil, shared.Invalid(field, "multipart upload expected")
	}
	f, header, err := r.FormFile(field)
	if err != nil {
		return "", nil, shared.Invalid(field, "is required")
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(content)) > maxBytes {
		return "", nil, shared.Invalid(field, "is too large")
	}
	return header.Filename, content, nil
}
