package completion

import (
	"errors"
	"testing"
)

func TestIsRateLimited(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "429 status code",
			err:      errors.New("HTTP 429: Too Many Requests"),
			expected: true,
		},
		{
			name:     "rate limit phrase",
			err:      errors.New("rate limit exceeded, retry later"),
			expected: true,
		},
		{
			name:     "quota exceeded",
			err:      errors.New("quota exceeded for project"),
			expected: true,
		},
		{
			name:     "resource exhausted",
			err:      errors.New("rpc error: code = RESOURCE_EXHAUSTED"),
			expected: true,
		},
		{
			name:     "case insensitive",
			err:      errors.New("RATE LIMIT reached"),
			expected: true,
		},
		{
			name:     "auth error is not rate limiting",
			err:      errors.New("HTTP 401 Unauthorized"),
			expected: false,
		},
		{
			name:     "server error is not rate limiting",
			err:      errors.New("HTTP 500 Internal Server Error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := IsRateLimited(tt.err); got != tt.expected {
				t.Errorf("IsRateLimited(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestContainsAny(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		s        string
		substrs  []string
		expected bool
	}{
		{
			name:     "empty string",
			s:        "",
			substrs:  []string{"foo"},
			expected: false,
		},
		{
			name:     "empty substrs",
			s:        "foo bar",
			substrs:  nil,
			expected: false,
		},
		{
			name:     "match",
			s:        "foo bar baz",
			substrs:  []string{"qux", "baz"},
			expected: true,
		},
		{
			name:     "case insensitive",
			s:        "FOO BAR",
			substrs:  []string{"foo"},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := containsAny(tt.s, tt.substrs...); got != tt.expected {
				t.Errorf("containsAny(%q, %v) = %v, want %v", tt.s, tt.substrs, got, tt.expected)
			}
		})
	}
}
