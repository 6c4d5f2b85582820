package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateUnknownCommand(t *testing.T) {
	_, err := Validate("drop-tables", nil)
	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)
	require.Contains(t, invalid.Error(), "unknown command")
}

func TestValidateMissingRequired(t *testing.T) {
	_, err := Validate("request", map[string]any{})
	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)
	require.Contains(t, invalid.Detail, "description")

	// An explicit null does not satisfy a required field.
	_, err = Validate("request", map[string]any{"description": nil})
	require.ErrorAs(t, err, &invalid)
}

func TestValidateTypeMismatch(t *testing.T) {
	var invalid *InvalidInputError

	_, err := Validate("triage", map[string]any{"request_id": "req-1", "tier": "two"})
	require.ErrorAs(t, err, &invalid)

	// JSON numbers arrive as float64; fractional values are not integers.
	_, err = Validate("triage", map[string]any{"request_id": "req-1", "tier": 1.5})
	require.ErrorAs(t, err, &invalid)

	_, err = Validate("request", map[string]any{"description": 42.0})
	require.ErrorAs(t, err, &invalid)
}

func TestValidateStripsUnknownKeys(t *testing.T) {
	clean, err := Validate("heartbeat", map[string]any{
		"worker_id": 3.0,
		"status":    "sneaky status write",
		"is_admin":  true,
	})
	require.NoError(t, err)
	require.Len(t, clean, 1)
	require.Equal(t, int64(3), clean["worker_id"])
}

func TestValidateCoercesCollections(t *testing.T) {
	clean, err := Validate("create-task", map[string]any{
		"request_id": "req-1",
		"subject":    "split the work",
		"files":      []any{"a.go", "b.go"},
		"depends_on": []any{1.0, 2.0},
		"validation": map[string]any{"command": "go test ./..."},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a.go", "b.go"}, clean["files"])
	require.Equal(t, []int64{1, 2}, clean["depends_on"])
	require.Equal(t, map[string]any{"command": "go test ./..."}, clean["validation"])

	var invalid *InvalidInputError
	_, err = Validate("create-task", map[string]any{
		"request_id": "req-1",
		"subject":    "bad deps",
		"depends_on": []any{1.0, "two"},
	})
	require.ErrorAs(t, err, &invalid)
}

func TestValidateOptionalFieldsOmitted(t *testing.T) {
	clean, err := Validate("log", map[string]any{})
	require.NoError(t, err)
	require.Empty(t, clean)

	clean, err = Validate("ping", nil)
	require.NoError(t, err)
	require.Empty(t, clean)
}
