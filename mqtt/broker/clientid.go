// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "github.com/google/uuid"

const assignedPrefix = "auto-"

// GenerateClientID returns an identifier for a client that connected
// without one. Format: auto-<uuid>.
func GenerateClientID() string {
	return assignedPrefix + uuid.NewString()
}
