package api

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/pulse.report/internal/httputil"
)

// SerialDeviceInfo describes a serial port a gateway could be attached to.
type SerialDeviceInfo struct {
	PortPath     string `json:"port_path"`
	FriendlyName string `json:"friendly_name"`
	LastSeen     int64  `json:"last_seen"`
}

func listSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// handleSerialDevices handles GET /api/serial/devices
func (s *Server) handleSerialDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	ports, err := s.listPorts()
	if err != nil {
		httputil.InternalServerError(w, "failed to enumerate serial ports", err)
		return
	}

	now := time.Now().Unix()
	devices := make([]SerialDeviceInfo, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, SerialDeviceInfo{
			PortPath:     p,
			FriendlyName: friendlyName(p),
			LastSeen:     now,
		})
	}
	httputil.WriteJSONOK(w, devices)
}

// friendlyName labels the device nodes the ESP32 gateway usually shows up as.
func friendlyName(portPath string) string {
	dev := filepath.Base(portPath)
	switch {
	case strings.HasPrefix(dev, "ttyUSB"):
		return "USB Serial Adapter (" + dev + ")"
	case strings.HasPrefix(dev, "ttyACM"):
		return "USB CDC Device (" + dev + ")"
	case strings.HasPrefix(dev, "cu.usbserial"), strings.HasPrefix(dev, "cu.SLAB"):
		return "USB Serial Adapter (" + dev + ")"
	case strings.HasPrefix(dev, "ttyAMA"), strings.HasPrefix(dev, "ttyS"):
		return "On-board UART (" + dev + ")"
	default:
		return dev
	}
}
