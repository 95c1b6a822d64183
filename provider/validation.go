package provider

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ValidateConfigFields validates configuration against provided field
// definitions. Optional fields are only checked when present.
func ValidateConfigFields(providerName string, config map[string]string, fields []ConfigField) error {
	for _, field := range fields {
		value, exists := config[field.Key]
		if !exists || strings.TrimSpace(value) == "" {
			if field.Required {
				return fmt.Errorf("%s: required field '%s' is missing", providerName, field.Key)
			}
			continue
		}

		if err := validateFieldType(providerName, field, value); err != nil {
			return err
		}
		if err := validateFieldPattern(providerName, field, value); err != nil {
			return err
		}
		if err := validateFieldLength(providerName, field, value); err != nil {
			return err
		}
	}

	return nil
}

func validateFieldType(providerName string, field ConfigField, value string) error {
	switch field.Type {
	case "number":
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("%s: field '%s' must be a number", providerName, field.Key)
		}
	case "url":
		u, err := url.ParseRequestURI(value)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%s: field '%s' must be an absolute URL", providerName, field.Key)
		}
	case "boolean":
		if value != "true" && value != "false" {
			return fmt.Errorf("%s: field '%s' must be 'true' or 'false'", providerName, field.Key)
		}
	}
	return nil
}

func validateFieldPattern(providerName string, field ConfigField, value string) error {
	if field.Pattern == "" {
		return nil
	}

	matched, err := regexp.MatchString(field.Pattern, value)
	if err != nil {
		return fmt.Errorf("%s: invalid pattern for field '%s': %v", providerName, field.Key, err)
	}
	if !matched {
		return fmt.Errorf("%s: field '%s' does not match required pattern", providerName, field.Key)
	}

	return nil
}

func validateFieldLength(providerName string, field ConfigField, value string) error {
	if field.MinLength > 0 && len(value) < field.MinLength {
		return fmt.Errorf("%s: field '%s' must be at least %d characters", providerName, field.Key, field.MinLength)
	}
	if field.MaxLength > 0 && len(value) > field.MaxLength {
		return fmt.Errorf("%s: field '%s' must not exceed %d characters", providerName, field.Key, field.MaxLength)
	}
	return nil
}

// EnvironmentField is the optional sandbox/production switch every provider
// accepts
var EnvironmentField = ConfigField{
	Key:         "environment",
	Type:        "string",
	Description: "Environment setting (sandbox or production)",
	Example:     "sandbox",
	Pattern:     "^(sandbox|test|production)$",
}

// BaseURLField overrides the provider API endpoint, used for staging proxies
// and tests
var BaseURLField = ConfigField{
	Key:         "baseUrl",
	Type:        "url",
	Description: "Override of the provider API base URL",
	Example:     "https://sandbox-api.iyzipay.com",
}
