// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNil(t *testing.T) {
	assert.NoError(t, New("forward", 1, "127.0.0.1:1", nil))
}

func TestBrokerError(t *testing.T) {
	cases := []struct {
		desc string
		err  error
		msg  string
	}{
		{
			desc: "with request id",
			err:  New("edit", 4, "127.0.0.1:50000", ErrTimeout),
			msg:  "edit [#4] 127.0.0.1:50000: timeout",
		},
		{
			desc: "without request id",
			err:  New("forward_response", 0, "127.0.0.1:50000", ErrConnectionClosed),
			msg:  "forward_response 127.0.0.1:50000: connection closed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.msg, tc.err.Error())

			var be *BrokerError
			require.True(t, errors.As(tc.err, &be))
			assert.NotEmpty(t, be.Op)
		})
	}

	assert.ErrorIs(t, New("edit", 4, "", ErrProtocolViolation), ErrProtocolViolation)
}
