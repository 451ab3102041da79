package probe

import (
	"regexp"
	"strings"

	"github.com/ricochet1k/beamlink/internal/profile"
)

var (
	statusReport = regexp.MustCompile(`<[^<>\r\n]*>`)
	settingsEcho = regexp.MustCompile(`(?m)^\$[01]=`)
)

// Classify maps accumulated probe output to a firmware family. Marlin is
// checked first because it also answers "ok".
func Classify(response string) (profile.Firmware, bool) {
	lower := strings.ToLower(response)

	if strings.Contains(lower, "firmware_name:marlin") || strings.Contains(lower, "marlin") {
		return profile.FirmwareMarlin, true
	}
	for _, line := range strings.Split(lower, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "echo:") && strings.Contains(line, "marlin") {
			return profile.FirmwareMarlin, true
		}
	}

	if strings.Contains(lower, "smoothie") {
		return profile.FirmwareSmoothie, true
	}

	switch {
	case strings.Contains(lower, "grbl"),
		statusReport.MatchString(response),
		strings.Contains(lower, "ok"),
		settingsEcho.MatchString(response):
		return profile.FirmwareGRBL, true
	}
	return "", false
}
