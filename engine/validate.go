package engine

import (
	"regexp"
	"strings"

	"github.com/anneschuth/pinchwork/infrastructure/config"
	apperrors "github.com/anneschuth/pinchwork/infrastructure/errors"
)

var tagPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

func validateLen(field, value string, max int) error {
	if len(value) > max {
		return apperrors.InvalidInput(field, "exceeds maximum length")
	}
	return nil
}

func validateTags(limits config.Limits, tags []string) error {
	if len(tags) > limits.MaxTags {
		return apperrors.InvalidInput("tags", "too many tags")
	}
	for _, t := range tags {
		if len(t) > limits.MaxTagChars {
			return apperrors.InvalidInput("tags", "tag too long: "+t)
		}
		if !tagPattern.MatchString(t) {
			return apperrors.InvalidInput("tags", "tag must match [a-z0-9_-]+: "+t)
		}
	}
	return nil
}

func validateMaxCredits(limits config.Limits, maxCredits int64) error {
	if maxCredits < limits.MinMaxCredits || maxCredits > limits.MaxMaxCredits {
		return apperrors.InvalidInput("max_credits", "out of bounds")
	}
	return nil
}

func validateDisplayName(limits config.Limits, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperrors.InvalidInput("display_name", "required")
	}
	return validateLen("display_name", name, limits.MaxNameChars)
}
