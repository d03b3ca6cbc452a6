//go:build linux && cgo

package media

import (
	"testing"

	"github.com/pion/mediadevices"
)

func TestPreferredDeviceResolution(t *testing.T) {
	devices := []mediadevices.MediaDeviceInfo{
		{DeviceID: "cam0", Kind: mediadevices.VideoInput, Label: "Integrated Camera"},
		{DeviceID: "cam1", Kind: mediadevices.VideoInput, Label: "Logitech C920"},
		{DeviceID: "mic0", Kind: mediadevices.AudioInput, Label: "Built-in Microphone"},
	}

	cases := []struct {
		name   string
		kind   mediadevices.MediaDeviceType
		pref   string
		wantID string
		found  bool
	}{
		{"empty preference", mediadevices.VideoInput, "", "", false},
		{"exact device id", mediadevices.VideoInput, "cam1", "cam1", true},
		{"label substring", mediadevices.VideoInput, "logitech", "cam1", true},
		{"kind mismatch", mediadevices.AudioInput, "Logitech C920", "", false},
		{"no such device", mediadevices.VideoInput, "FaceCam 9000", "", false},
		{"mic by label", mediadevices.AudioInput, "built-in", "mic0", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, found := preferredDevice(devices, tc.kind, tc.pref)
			if id != tc.wantID || found != tc.found {
				t.Fatalf("preferredDevice(%q) = %q, %v; want %q, %v",
					tc.pref, id, found, tc.wantID, tc.found)
			}
		})
	}
}
