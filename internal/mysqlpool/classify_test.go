package mysqlpool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "robotplane/internal/errors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want apperrors.Kind
	}{
		{"Error 1615: unread result found", apperrors.KindProtocolState},
		{"invalid connection", apperrors.KindInternal},
		{"driver: bad connection", apperrors.KindTransport},
		{"packets.go:37: mysql server has gone away", apperrors.KindTransport},
		{"Error 1045: Access denied for user", apperrors.KindAuthDenied},
		{"Error 1049: Unknown database 'bwav4'", apperrors.KindUnknownDatabase},
		{"dial tcp: connection refused", apperrors.KindTransport},
	}
	for _, c := range cases {
		got := classify(errors.New(c.msg))
		assert.Equal(t, c.want, got, "msg=%s", c.msg)
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, apperrors.Kind(""), classify(nil))
}
