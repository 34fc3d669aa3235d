package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dasl-/piwallgo/probe/tsdemux"
)

// PMT stream_type values (ISO/IEC 13818-1) for the two codecs this project
// probes.
const (
	streamTypeH264 = 0x1b
	streamTypeHEVC = 0x24
)

// Dimensions is the width/height discovered from the first SPS seen for the
// stream's video elementary PID.
type Dimensions struct {
	Width, Height int
	Codec         string // "h264" or "h265"
}

// Prober demuxes an MPEG-TS stream in-process and returns the source
// video's dimensions from Probe as soon as the first decodable SPS is
// found, standing in for an external ffprobe invocation tee'd through a
// side FIFO.
type Prober struct {
	log *slog.Logger
}

// New builds a Prober.
func New(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{log: logger.With("component", "prober")}
}

// Probe reads MPEG-TS from r until it can report the video stream's
// dimensions or the context is cancelled, then returns. It does not drain r
// further than needed to find the first SPS NAL — the caller is expected to
// be reading from one leg of a tee, so abandoning early never starves the
// other leg.
func (p *Prober) Probe(ctx context.Context, r io.Reader) (Dimensions, error) {
	dem := tsdemux.NewDemuxer(ctx, r)

	var videoPID uint16
	var codec string
	havePID := false

	for {
		if ctx.Err() != nil {
			return Dimensions{}, ctx.Err()
		}

		data, err := dem.NextData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Dimensions{}, fmt.Errorf("probe: stream ended before a decodable SPS was found")
			}
			return Dimensions{}, fmt.Errorf("probe: demux: %w", err)
		}

		if data.PMT != nil && !havePID {
			for _, es := range data.PMT.ElementaryStreams {
				switch es.StreamType {
				case streamTypeH264:
					videoPID = es.ElementaryPID
					codec = "h264"
					havePID = true
				case streamTypeHEVC:
					videoPID = es.ElementaryPID
					codec = "h265"
					havePID = true
				}
				if havePID {
					break
				}
			}
			continue
		}

		if data.PES == nil || !havePID || data.FirstPacket.Header.PID != videoPID {
			continue
		}

		dims, ok := dimensionsFromPES(codec, data.PES.Data)
		if ok {
			p.log.Info("discovered video dimensions", "codec", codec, "width", dims.Width, "height", dims.Height)
			dims.Codec = codec
			return dims, nil
		}
	}
}

func dimensionsFromPES(codec string, payload []byte) (Dimensions, bool) {
	switch codec {
	case "h264":
		for _, nal := range ParseAnnexB(payload) {
			if !IsSPS(nal.Type) {
				continue
			}
			info, err := ParseSPS(nal.Data)
			if err != nil {
				continue
			}
			return Dimensions{Width: info.Width, Height: info.Height}, true
		}
	case "h265":
		for _, nal := range ParseAnnexBHEVC(payload) {
			if !IsHEVCSPS(nal.Type) {
				continue
			}
			info, err := ParseHEVCSPS(nal.Data)
			if err != nil {
				continue
			}
			return Dimensions{Width: info.Width, Height: info.Height}, true
		}
	}
	return Dimensions{}, false
}
