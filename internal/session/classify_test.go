package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected FailureKind
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: Transient,
		},
		{
			name:     "service discovery pending",
			err:      errors.New("ATT request failed: service discovery has not been performed"),
			expected: NotReadyYet,
		},
		{
			name:     "not connected",
			err:      errors.New("client is not connected"),
			expected: NotReadyYet,
		},
		{
			name:     "disconnected mid-operation",
			err:      errors.New("peripheral disconnected"),
			expected: NotReadyYet,
		},
		{
			name:     "write rejected",
			err:      errors.New("failed to write characteristic"),
			expected: NotReadyYet,
		},
		{
			name:     "case insensitive match",
			err:      errors.New("Service Discovery Has Not Been Performed"),
			expected: NotReadyYet,
		},
		{
			name:     "signature in wrapped error",
			err:      fmt.Errorf("request 3: %w", errors.New("not connected")),
			expected: NotReadyYet,
		},
		{
			name:     "unknown error",
			err:      errors.New("hci device busy"),
			expected: Transient,
		},
		{
			name:     "timeout",
			err:      errors.New("context deadline exceeded"),
			expected: Transient,
		},
		{
			name:     "explicitly fatal",
			err:      fmt.Errorf("%w: adapter gone", ErrLinkFatal),
			expected: LinkFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestFailureKindString(t *testing.T) {
	assert.Equal(t, "not_ready_yet", NotReadyYet.String())
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "link_fatal", LinkFatal.String())
	assert.Equal(t, "unknown", FailureKind(99).String())
}
