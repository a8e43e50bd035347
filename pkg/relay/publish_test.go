package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPolicyRejection(t *testing.T) {
	assert.True(t, isPolicyRejection(errors.New("msg: blocked: not on the whitelist")))
	assert.True(t, isPolicyRejection(errors.New("pow: difficulty 28 required")))
	assert.True(t, isPolicyRejection(errors.New("rate-limited: slow down")))
	assert.True(t, isPolicyRejection(errors.New("invalid: bad signature")))
	assert.False(t, isPolicyRejection(errors.New("connection reset by peer")))
	assert.False(t, isPolicyRejection(nil))
}
