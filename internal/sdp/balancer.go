package sdp

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type hostStreams struct {
	audio int
	video int
}

// HostLoad tracks per-media-host audio/video stream counts. It is the
// sole placement signal the external load balancer consumes; counters
// are mirrored into prometheus gauges for the ops surface.
type HostLoad struct {
	mu      sync.Mutex
	hosts   map[string]*hostStreams
	streams *prometheus.GaugeVec
}

func NewHostLoad(reg prometheus.Registerer) *HostLoad {
	h := &HostLoad{
		hosts: make(map[string]*hostStreams),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sfu_host_media_streams",
			Help: "Active media streams per engine host and kind.",
		}, []string{"host", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(h.streams)
	}
	return h
}

// AccountForAnswer increments host's counters for every media kind the
// negotiated answer activates. Fire-and-forget; called exactly once per
// leg, at answer-set time.
func (h *HostLoad) AccountForAnswer(hostID string, audio, video bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.host(hostID)
	if audio {
		s.audio++
		h.streams.WithLabelValues(hostID, "audio").Inc()
	}
	if video {
		s.video++
		h.streams.WithLabelValues(hostID, "video").Inc()
	}
	log.Debug().Str("module", "sdp.balancer").Str("host", hostID).Int("audio", s.audio).Int("video", s.video).Msg("host load updated")
}

// ReleaseForAnswer undoes AccountForAnswer when the leg is torn down.
func (h *HostLoad) ReleaseForAnswer(hostID string, audio, video bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.host(hostID)
	if audio && s.audio > 0 {
		s.audio--
		h.streams.WithLabelValues(hostID, "audio").Dec()
	}
	if video && s.video > 0 {
		s.video--
		h.streams.WithLabelValues(hostID, "video").Dec()
	}
}

// Streams returns host's current audio and video stream counts.
func (h *HostLoad) Streams(hostID string) (audio, video int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.host(hostID)
	return s.audio, s.video
}

func (h *HostLoad) host(hostID string) *hostStreams {
	s, ok := h.hosts[hostID]
	if !ok {
		s = &hostStreams{}
		h.hosts[hostID] = s
	}
	return s
}
