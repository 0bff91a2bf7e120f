package triggererr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindFromStatus(t *testing.T) {
	testcases := []struct {
		status   int
		expected Kind
	}{
		{status: 401, expected: KindUnauthorized},
		{status: 403, expected: KindForbidden},
		{status: 404, expected: KindNotFound},
		{status: 422, expected: KindUnprocessable},
		{status: 429, expected: KindRateLimited},
		{status: 500, expected: KindServer},
		{status: 503, expected: KindServer},
		{status: 400, expected: KindUnexpected},
	}

	for _, tc := range testcases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.expected, KindFromStatus(tc.status))
		})
	}
}

func TestRemediationOfWrappedError(t *testing.T) {
	err := fmt.Errorf("sending dispatch: %w", NewDispatchError(401, "Bad credentials", nil))

	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Contains(t, Remediation(err), "token")
}

func TestRemediationOfRetryableWrappedDispatchError(t *testing.T) {
	err := NewRetryableError(NewDispatchError(429, "", nil), time.Now())

	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Contains(t, Remediation(err), "frequency")
}

func TestRemediationOfOtherError(t *testing.T) {
	err := errors.New("connection refused")

	assert.Equal(t, KindUnexpected, KindOf(err))
	assert.Empty(t, Remediation(err))
}
