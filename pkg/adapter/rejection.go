package adapter

import "strings"

// rejectionMarkers are phrases vendors use when the submitted content or
// input itself is refused. Resubmitting the same workflow cannot succeed.
var rejectionMarkers = []string{
	"moderation",
	"content policy",
	"violat",
	"inappropriate",
	"prohibited",
	"not allowed",
	"invalid",
	"validation",
	"unsupported",
	"not supported",
	"too long",
	"too large",
	"malformed",
	"rejected",
	"duplicate",
	"disconnected",
}

// IsRejection reports whether a vendor failure message describes a content or
// input rejection rather than a processing fault.
func IsRejection(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
