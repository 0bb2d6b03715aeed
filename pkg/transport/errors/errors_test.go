// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       *TransportError
		wantError string
	}{
		{
			name:      "message and transport",
			err:       NewTransportError(ErrTransportClosed, "stdio", "write failed"),
			wantError: "transport closed: write failed (transport: stdio)",
		},
		{
			name:      "message only",
			err:       NewTransportError(ErrInvalidMessage, "", "bad frame"),
			wantError: "invalid message: bad frame",
		},
		{
			name:      "transport only",
			err:       NewTransportError(ErrTransportNotStarted, "http", ""),
			wantError: "transport not started (transport: http)",
		},
		{
			name:      "bare",
			err:       NewTransportError(ErrUnsupportedTransport, "", ""),
			wantError: "unsupported transport type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantError, tt.err.Error())
			assert.True(t, errors.Is(tt.err, tt.err.Err))
		})
	}
}
