package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsStandardExpressions(t *testing.T) {
	for _, expr := range []string{
		"* * * * *",
		"0 2 * * *",
		"*/5 * * * 1-5",
		"@hourly",
	} {
		assert.NoError(t, Validate(expr), expr)
	}
}

func TestValidateRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"not a cron",
		"* * * *",      // four fields
		"61 * * * *",   // minute out of range
		"* * * * * *",  // six fields (seconds not supported)
	} {
		err := Validate(expr)
		require.Error(t, err, expr)

		var bad *ErrBadCronExpr
		require.ErrorAs(t, err, &bad, expr)
		assert.Equal(t, expr, bad.Expr)
	}
}
