// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

// Common session errors
var (
	// ErrSessionNotFound is returned when a session cannot be found
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session outlived its idle timeout or lifetime
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionAlreadyExists is returned when trying to create a session with an existing ID
	ErrSessionAlreadyExists = errors.New("session already exists")

	// ErrInvalidSessionID is returned for empty session IDs
	ErrInvalidSessionID = errors.New("invalid session ID")

	// ErrManagerClosed is returned when creating sessions after CloseAll
	ErrManagerClosed = errors.New("session manager closed")
)
