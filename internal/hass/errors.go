package hass

import "errors"

var (
	// ErrInvalidURL is returned when the Home Assistant URL cannot be parsed.
	ErrInvalidURL = errors.New("hass: invalid url")

	// ErrAuthInvalid is returned when Home Assistant rejects the access token.
	// The client does not reconnect after this error.
	ErrAuthInvalid = errors.New("hass: authentication rejected")

	// ErrNotConnected is returned when a command is sent without an
	// authenticated connection.
	ErrNotConnected = errors.New("hass: not connected")

	// ErrCallFailed is returned when Home Assistant reports a failed service call.
	ErrCallFailed = errors.New("hass: service call failed")

	// ErrTimeout is returned when a service call gets no result in time.
	ErrTimeout = errors.New("hass: call timed out")

	// ErrProtocol is returned for unexpected messages during the handshake.
	ErrProtocol = errors.New("hass: protocol error")

	// ErrInvalidPayload is returned when a bridge message cannot be decoded.
	ErrInvalidPayload = errors.New("hass: invalid payload")

	// ErrAwaitingSnapshot is reported by the MQTT bridge until the first
	// full snapshot has arrived.
	ErrAwaitingSnapshot = errors.New("hass: awaiting initial snapshot")
)
