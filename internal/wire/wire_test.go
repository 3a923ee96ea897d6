package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/illgrenoble/webx-router/internal/werr"
)

func TestCodeForKind(t *testing.T) {
	cases := []struct {
		kind werr.Kind
		code int
	}{
		{werr.KindAuthentication, CodeAuthenticationFail},
		{werr.KindUserNotFound, CodeAuthenticationFail},
		{werr.KindBadRequest, CodeBadRequest},
		{werr.KindDisplay, CodeCreationFailed},
		{werr.KindWindowManager, CodeCreationFailed},
		{werr.KindEngine, CodeCreationFailed},
		{werr.KindTimeout, CodeTimeout},
		{werr.KindInternal, CodeCreationFailed},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, CodeForKind(c.kind))
	}
}
