package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPredicateEval(t *testing.T) {
	status := map[string]any{
		"designApproved": true,
		"preCheckPassed": false,
		"currentTaskId":  "T7",
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"status.designApproved == true", true},
		{"status.designApproved == false", false},
		{"status.designApproved != false", true},
		{"status.preCheckPassed == false", true},
		{"status.currentTaskId == 'T7'", true},
		{`status.currentTaskId == "T8"`, false},
		{"status.missing == null", true},
		{"status.missing != null", false},
		{"status.designApproved == null", false},
		{"status.designApproved == true && status.preCheckPassed == false", true},
		{"status.designApproved == false || status.currentTaskId == 'T7'", true},
		{"(status.designApproved == false || status.preCheckPassed == true) && status.currentTaskId == 'T7'", false},
		// Unset boolean fields never equal a boolean literal.
		{"status.taskPassed == false", false},
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			pred, err := ParsePredicate(c.expr)
			require.NoError(t, err)
			got, err := pred.Eval(status)
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestPredicateParseErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"designApproved == true",
		"status.designApproved",
		"status.designApproved = true",
		"status.designApproved == tru",
		"status.x == 'unterminated",
		"status.x == true && ",
		"(status.x == true",
		"status.x == true trailing",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParsePredicate(expr)
			require.Error(t, err)
		})
	}
}

func TestPredicateTypeMismatch(t *testing.T) {
	pred, err := ParsePredicate("status.count == true")
	require.NoError(t, err)
	_, err = pred.Eval(map[string]any{"count": 3.0})
	require.Error(t, err)
	var typeErr *PredicateTypeError
	require.ErrorAs(t, err, &typeErr)
	require.Equal(t, "count", typeErr.Field)
}
