package privacy

import (
	"strings"

	"meshrelay/internal/constants"
)

// MaskDeviceID masks a device identifier showing only the trailing characters.
// Example: "AA:BB:CC:DD:EE:FF" -> "***********EE:FF"
func MaskDeviceID(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	return maskString(deviceID, constants.DefaultDeviceMaskLength+1)
}

// MaskStableID masks a peer stable identifier
func MaskStableID(stableID string) string {
	if stableID == "" {
		return ""
	}
	return maskString(stableID, constants.DefaultDeviceMaskLength)
}

// MaskMessageID masks a message id while keeping a tail for log correlation
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}
	return maskString(messageID, constants.DefaultMessageIDMaskLength)
}

// MaskSessionID keeps the canonical "chat_" prefix visible and masks the rest
// except a short tail, so merged-session log lines stay traceable.
func MaskSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(sessionID, "chat_"); ok {
		return "chat_" + maskString(rest, constants.DefaultDeviceMaskLength)
	}
	return maskString(sessionID, constants.DefaultDeviceMaskLength)
}

func maskString(s string, visible int) string {
	if len(s) <= visible {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-visible) + s[len(s)-visible:]
}
