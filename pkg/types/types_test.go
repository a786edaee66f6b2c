package types

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPtyTypeClosedSet(t *testing.T) {
	for _, p := range []PtyType{PtyVanilla, PtyVT100, PtyVT102, PtyVT220, PtyAnsi, PtyXterm} {
		assert.True(t, p.Valid(), p)
	}
	assert.False(t, PtyType("").Valid())
	assert.False(t, PtyType("xterm-256color").Valid())
	assert.False(t, PtyType("VANILLA").Valid())
}

func TestErrorKindsDistinct(t *testing.T) {
	kinds := []error{
		ErrConnectionFailure,
		ErrChannelNotOpen,
		ErrOperationRejected,
		ErrUnsupportedOperation,
		ErrRemote,
		ErrCancelled,
		ErrConnectionClosed,
	}
	for i, a := range kinds {
		for j, b := range kinds {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b))
		}
	}

	wrapped := errors.WithMessage(ErrConnectionClosed, "waiting for exec")
	assert.True(t, errors.Is(wrapped, ErrConnectionClosed))
	assert.False(t, errors.Is(wrapped, ErrConnectionFailure))
}
