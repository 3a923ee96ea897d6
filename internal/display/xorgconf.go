package display

import (
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// xorgConfTemplate renders a per-session Xorg config using the dummy
// video driver sized to the client's requested resolution (spec §4.C.5:
// "screen dimensions are a per-session, not a per-host, property").
// Adapted from the teacher's unit-file template renderer
// (systemd/template.go): same template.Must(template.New(...).Parse(...))
// construction, applied to a different configuration file format.
const xorgConfTemplate = `Section "Device"
    Identifier  "WebXDummyVideo"
    Driver      "dummy"
    VideoRam    {{ .VideoRamKB }}
EndSection

Section "Monitor"
    Identifier  "WebXMonitor"
    HorizSync   5.0 - 1000.0
    VertRefresh 5.0 - 200.0
EndSection

Section "Screen"
    Identifier  "WebXScreen"
    Device      "WebXDummyVideo"
    Monitor     "WebXMonitor"
    DefaultDepth 24
    SubSection "Display"
        Depth   24
        Modes   "{{ .Width }}x{{ .Height }}"
        Virtual {{ .Width }} {{ .Height }}
    EndSubSection
EndSection

Section "ServerFlags"
    Option "AutoAddDevices" "false"
    Option "DontVTSwitch"   "true"
EndSection
`

var xorgConfTmpl = template.Must(template.New("xorgconf").Parse(xorgConfTemplate))

type xorgConfData struct {
	Width      int
	Height     int
	VideoRamKB int
}

// renderXorgConf writes a per-session Xorg config to sessionsDir and
// returns its path. Width/height default to 1280x800 when the client did
// not request a specific resolution.
func renderXorgConf(sessionsDir, username string, width, height int) (string, error) {
	if width <= 0 || height <= 0 {
		width, height = 1280, 800
	}
	data := xorgConfData{
		Width:      width,
		Height:     height,
		VideoRamKB: (width * height * 4) / 1024 + 4096, // framebuffer size plus headroom
	}

	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return "", fmt.Errorf("sessions dir: %w", err)
	}
	path := filepath.Join(sessionsDir, fmt.Sprintf("%s-xorg.conf", username))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("create xorg config: %w", err)
	}
	defer f.Close()

	if err := xorgConfTmpl.Execute(f, data); err != nil {
		return "", fmt.Errorf("render xorg config: %w", err)
	}
	return path, nil
}
