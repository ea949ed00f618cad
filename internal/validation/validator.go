package validation

import (
	"fmt"
	"net/url"
	"strings"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

const maxClientRefLength = 64

func ValidateOrderRequest(serviceID int64, link string, quantity int, clientRef string) ValidationErrors {
	var errs ValidationErrors

	if serviceID <= 0 {
		errs = append(errs, FieldError{Field: "service", Message: "service is required"})
	}

	link = strings.TrimSpace(link)
	if link == "" {
		errs = append(errs, FieldError{Field: "link", Message: "link is required"})
	} else if err := validateLink(link); err != nil {
		errs = append(errs, FieldError{Field: "link", Message: err.Error()})
	}

	if quantity <= 0 {
		errs = append(errs, FieldError{Field: "quantity", Message: "quantity must be positive"})
	}

	if len(clientRef) > maxClientRefLength {
		errs = append(errs, FieldError{Field: "client_ref", Message: fmt.Sprintf("client_ref must be at most %d characters", maxClientRefLength)})
	}

	return errs
}

func validateLink(link string) error {
	parsed, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("link must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("link must use http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("link must include a host")
	}
	return nil
}

func NormalizeLink(link string) string {
	return strings.TrimSpace(link)
}
