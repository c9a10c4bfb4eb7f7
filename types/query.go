package types

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type Validater interface {
	Validate() map[string]string
}

type QueryParams struct {
	Query string `json:"query" query:"query" validate:"required"`
}

type UploadResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	JobID    string `json:"job_id"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Ollama string `json:"ollama,omitempty"`
	Models int    `json:"models"`
	Error  string `json:"error,omitempty"`
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func (params *QueryParams) Validate() map[string]string {
	params.Query = strings.TrimSpace(params.Query)
	return validationErrors(validate.Struct(params))
}

func validationErrors(err error) map[string]string {
	if err == nil {
		return nil
	}
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}
	errors := make(map[string]string)
	for _, e := range errs {
		errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
	}
	return errors
}
