// Package sdp wraps offer/answer bookkeeping around the pion SDP codec:
// codec-availability queries, candidate dedup against a negotiated offer
// and host-load accounting for the media load balancer.
package sdp

import (
	"fmt"
	"regexp"

	pionsdp "github.com/pion/sdp/v3"
)

// Wrapper holds one parsed SDP blob plus its raw text.
type Wrapper struct {
	raw    string
	parsed *pionsdp.SessionDescription
}

func Parse(raw string) (*Wrapper, error) {
	var sd pionsdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	return &Wrapper{raw: raw, parsed: &sd}, nil
}

func (w *Wrapper) Raw() string { return w.raw }

// HasAvailableAudioCodec reports whether the blob carries an active
// audio section with at least one negotiated format.
func (w *Wrapper) HasAvailableAudioCodec() bool { return w.hasActiveMedia("audio") }

// HasAvailableVideoCodec reports whether the blob carries an active
// video section with at least one negotiated format.
func (w *Wrapper) HasAvailableVideoCodec() bool { return w.hasActiveMedia("video") }

func (w *Wrapper) hasActiveMedia(kind string) bool {
	for _, m := range w.parsed.MediaDescriptions {
		if m.MediaName.Media != kind {
			continue
		}
		if m.MediaName.Port.Value == 0 {
			continue
		}
		if len(m.MediaName.Formats) > 0 {
			return true
		}
	}
	return false
}

var connectionLine = regexp.MustCompile(`(?m)^c=IN IP4 \S+`)

// ReplaceConnectionIP rewrites every connection line of raw to point at
// ip. Manual NAT correction for legs that terminate on a media engine
// host rather than directly on the browser.
func ReplaceConnectionIP(raw, ip string) string {
	return connectionLine.ReplaceAllString(raw, "c=IN IP4 "+ip)
}
