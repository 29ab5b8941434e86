// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidClientID is returned for client identifiers that cannot be used.
var ErrInvalidClientID = errors.New("invalid client id")

// maxV31ClientID is the client identifier limit MQTT 3.1 servers enforce.
const maxV31ClientID = 23

// ValidateClientID checks a client identifier for the given protocol level.
// Emptiness is decided by the caller because it depends on clean start.
func ValidateClientID(clientID string, version byte) error {
	if !utf8.ValidString(clientID) || strings.ContainsRune(clientID, 0) {
		return ErrInvalidClientID
	}
	if version == V31 && len(clientID) > maxV31ClientID {
		return ErrInvalidClientID
	}
	return nil
}

func validateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopicName)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidTopicName, topic)
	}
	return nil
}
