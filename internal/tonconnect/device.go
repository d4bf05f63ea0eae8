package tonconnect

import (
	"github.com/tonwhales/tonhub-connect/internal/constants"
)

// DeviceInfo describes the wallet device in connect events.
type DeviceInfo struct {
	Platform           string        `json:"platform"`
	AppName            string        `json:"appName"`
	AppVersion         string        `json:"appVersion"`
	MaxProtocolVersion int           `json:"maxProtocolVersion"`
	Features           []interface{} `json:"features"`
}

// Feature is the object form of a device feature entry.
type Feature struct {
	Name        string `json:"name"`
	MaxMessages int    `json:"maxMessages,omitempty"`
}

// BuildDeviceInfo assembles the device descriptor advertised to dApps.
// The legacy string entry stays first for wallets-list compatibility.
func BuildDeviceInfo(appVersion string, maxMessages int) DeviceInfo {
	return DeviceInfo{
		Platform:           constants.DevicePlatform,
		AppName:            constants.DeviceAppName,
		AppVersion:         appVersion,
		MaxProtocolVersion: constants.MaxProtocolVersion,
		Features: []interface{}{
			"SendTransaction",
			Feature{Name: "SendTransaction", MaxMessages: maxMessages},
			Feature{Name: "SignData"},
		},
	}
}
