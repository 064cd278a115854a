package validator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prebidscan/crawler/internal/validator"
)

func TestValidatePatternRejectsPlaceholders(t *testing.T) {
	v := validator.New(validator.Options{})

	cases := []struct {
		url   string
		valid bool
	}{
		{"https://example.com", false},
		{"https://real-publisher.test", true},
		{"https://localhost", false},
		{"https://10.0.0.5", false},
		{"not a url", false},
	}

	for _, c := range cases {
		got := v.ValidatePattern(c.url)
		assert.Equal(t, c.valid, got.Valid, "url=%s", c.url)
	}
}
