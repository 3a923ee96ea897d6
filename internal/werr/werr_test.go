package werr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New("pkg.Op", KindDisplay, cause)

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindDisplay, KindOf(err))
	assert.Contains(t, err.Error(), "DisplayError")
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindAuthentication: "AuthenticationError",
		KindUserNotFound:   "UserNotFoundError",
		KindDisplay:        "DisplayError",
		KindWindowManager:  "WindowManagerError",
		KindEngine:         "EngineError",
		KindTimeout:        "TimeoutError",
		KindBadRequest:     "BadRequestError",
		KindInternal:       "InternalError",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
