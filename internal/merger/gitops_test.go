package merger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateBranch(t *testing.T) {
	valid := []string{"main", "task-12", "feature/rate-limit", "v1.2.3", "a_b"}
	for _, b := range valid {
		require.NoError(t, ValidateBranch(b), b)
	}

	invalid := []string{
		"",
		"main; rm -rf /",
		"branch with spaces",
		"bad$char",
		"tick`tock",
	}
	for _, b := range invalid {
		require.ErrorIs(t, ValidateBranch(b), ErrInvalidInput, b)
	}
}

func TestValidatePRURL(t *testing.T) {
	require.NoError(t, ValidatePRURL("https://github.com/acme/app/pull/42"))
	require.NoError(t, ValidatePRURL("https://github.com/a-b/c.d/pull/1"))

	invalid := []string{
		"",
		"http://github.com/acme/app/pull/42",
		"https://evil.example/acme/app/pull/42",
		"https://github.com/acme/app/pull/42; echo pwned",
		"https://github.com/acme/app/pull/",
		"https://github.com/acme/app/pull/42/files",
		"https://github.com/acme/pull/42",
	}
	for _, u := range invalid {
		require.ErrorIs(t, ValidatePRURL(u), ErrInvalidInput, u)
	}
}
