package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// deviceXMLTemplate is the UPnP device descriptor DVR clients fetch
// during discovery.
const deviceXMLTemplate = `<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion>
    <major>1</major>
    <minor>0</minor>
  </specVersion>
  <URLBase>%s</URLBase>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>Silicondust</manufacturer>
    <modelName>HDTC-2US</modelName>
    <modelNumber>HDTC-2US</modelNumber>
    <serialNumber></serialNumber>
    <UDN>uuid:%s</UDN>
  </device>
</root>
`

// deviceID returns the stable device id for discovery payloads.
func (s *Server) deviceID() string {
	if s.cfg.Tuner.DeviceID != "" {
		return s.cfg.Tuner.DeviceID
	}
	return "chanarr01"
}

// handleDiscover serves the HDHomeRun device descriptor.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	out := map[string]any{
		"FriendlyName":    s.cfg.Tuner.FriendlyName,
		"Manufacturer":    "Silicondust",
		"ModelNumber":     "HDTC-2US",
		"FirmwareName":    "hdhomeruntc_atsc",
		"FirmwareVersion": "20200101",
		"DeviceID":        s.deviceID(),
		"DeviceAuth":      "chanarr",
		"BaseURL":         base,
		"LineupURL":       base + "/lineup.json",
		"TunerCount":      s.cfg.Tuner.TunerCount,
	}
	writeJSON(w, out)
}

// handleLineup serves the channel list with stream URLs.
func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channels.List(r.Context())
	if err != nil {
		s.logger.Error("listing channels failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	base := s.baseURL(r)
	out := make([]map[string]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, map[string]string{
			"GuideNumber": fmt.Sprintf("%d", ch.Number),
			"GuideName":   ch.Name,
			"URL":         fmt.Sprintf("%s/stream/%d", base, ch.Number),
		})
	}
	writeJSON(w, out)
}

// handleLineupStatus reports a completed scan so DVR clients proceed
// straight to the lineup.
func (s *Server) handleLineupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

// handleDeviceXML serves the UPnP device descriptor.
func (s *Server) handleDeviceXML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, deviceXMLTemplate, s.baseURL(r), s.cfg.Tuner.FriendlyName, s.deviceID())
}

// handleGuide serves the XMLTV guide for the rolling window.
func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	if err := s.guide.WriteTo(r.Context(), w); err != nil {
		s.logger.Error("writing guide failed", slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
