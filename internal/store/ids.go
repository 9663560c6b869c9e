// ABOUTME: Parsing of stored text back into typed Matrix identifiers
// ABOUTME: Failures are reported as MalformedIDError so bulk loads can skip the row

package store

import (
	"errors"
	"strings"

	"maunium.net/go/mautrix/id"
)

var errEmpty = errors.New("empty")

func parseUserID(s string) (id.UserID, error) {
	userID := id.UserID(s)
	if _, _, err := userID.Parse(); err != nil {
		return "", &MalformedIDError{Kind: "user id", Value: s, Err: err}
	}
	return userID, nil
}

func parseDeviceID(s string) (id.DeviceID, error) {
	if s == "" {
		return "", &MalformedIDError{Kind: "device id", Value: s, Err: errEmpty}
	}
	return id.DeviceID(s), nil
}

func parseRoomID(s string) (id.RoomID, error) {
	if len(s) < 2 || s[0] != '!' {
		return "", &MalformedIDError{Kind: "room id", Value: s}
	}
	return id.RoomID(s), nil
}

func parseSenderKey(s string) (id.SenderKey, error) {
	if s == "" {
		return "", &MalformedIDError{Kind: "sender key", Value: s, Err: errEmpty}
	}
	return id.SenderKey(s), nil
}

func parseSessionID(s string) (id.SessionID, error) {
	if s == "" {
		return "", &MalformedIDError{Kind: "session id", Value: s, Err: errEmpty}
	}
	return id.SessionID(s), nil
}

// parseKeyID accepts "<algorithm>:<key id>"
func parseKeyID(s string) (id.KeyID, error) {
	alg, rest, ok := strings.Cut(s, ":")
	if !ok || alg == "" || rest == "" {
		return "", &MalformedIDError{Kind: "key id", Value: s}
	}
	return id.NewKeyID(id.KeyAlgorithm(alg), rest), nil
}

// parseDeviceKeyID accepts "<algorithm>:<device id>"
func parseDeviceKeyID(s string) (id.DeviceKeyID, error) {
	alg, device, ok := strings.Cut(s, ":")
	if !ok || alg == "" || device == "" {
		return "", &MalformedIDError{Kind: "device key id", Value: s}
	}
	return id.NewDeviceKeyID(id.KeyAlgorithm(alg), id.DeviceID(device)), nil
}
