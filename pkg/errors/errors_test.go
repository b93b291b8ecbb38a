package errors

import (
	"testing"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPredicatesMatchThroughWrapping(t *testing.T) {
	conflictID := uuid.New()

	cases := []struct {
		name      string
		err       error
		predicate func(error) bool
	}{
		{"validation", NewValidation("bad input"), IsValidation},
		{"ancestor not found", NewAncestorNotFound(uuid.New(), uuid.New(), uuid.New()), IsAncestorNotFound},
		{"out of bounds", NewOutOfBounds(10, 5, 8), IsOutOfBounds},
		{"already resolving", NewAlreadyResolving(conflictID), IsAlreadyResolving},
		{"merge timeout", NewMergeTimeout(conflictID, 5000), IsMergeTimeout},
		{"adapter unavailable", NewAIAdapterUnavailable(assert.AnError), IsAIAdapterUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.predicate(tc.err))
			wrapped := pkgerrors.Wrap(tc.err, "while resolving")
			assert.True(t, tc.predicate(wrapped))

			for _, other := range cases {
				if other.name != tc.name {
					assert.False(t, other.predicate(tc.err))
				}
			}
		})
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := assert.AnError
	err := NewAIAdapterUnavailable(cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "AI_ADAPTER_UNAVAILABLE")
}
