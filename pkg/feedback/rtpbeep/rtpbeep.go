// Package rtpbeep plays the scan beep on a remote speaker by sending an
// Opus-encoded tone as RTP over UDP, the same stream format a gstreamer
// "opusenc ! rtpopuspay pt=96 ! udpsink" pipeline produces.
package rtpbeep

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"

	"github.com/teslashibe/go-scan/pkg/feedback"
)

const (
	sampleRate   = 48000
	frameSamples = sampleRate / 50 // 20ms
	payloadType  = 96
	maxPacket    = 1500
)

// Beeper sends the beep to a UDP RTP receiver.
type Beeper struct {
	addr string

	mu      sync.Mutex
	packets [][]byte // encoded Opus frames, one per 20ms
	seq     uint16
	ssrc    uint32
	ts      uint32
}

// New encodes the default beep tone for the receiver at addr (host:port).
func New(addr string) (*Beeper, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	pcm := feedback.Tone(feedback.BeepFrequency, feedback.BeepDuration, feedback.BeepVolume, sampleRate)
	// Pad to whole frames.
	if rem := len(pcm) % frameSamples; rem != 0 {
		pcm = append(pcm, make([]int16, frameSamples-rem)...)
	}

	var packets [][]byte
	buf := make([]byte, maxPacket)
	for off := 0; off < len(pcm); off += frameSamples {
		n, err := enc.Encode(pcm[off:off+frameSamples], buf)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		packets = append(packets, append([]byte(nil), buf[:n]...))
	}

	return &Beeper{
		addr:    addr,
		packets: packets,
		seq:     uint16(rand.Intn(1 << 16)),
		ssrc:    rand.Uint32(),
		ts:      rand.Uint32(),
	}, nil
}

// Beep implements feedback.Beeper. Packets are paced at 20ms.
func (b *Beeper) Beep(ctx context.Context) error {
	conn, err := net.Dial("udp", b.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.addr, err)
	}
	defer conn.Close()

	b.mu.Lock()
	defer b.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for i, payload := range b.packets {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    payloadType,
				SequenceNumber: b.seq,
				Timestamp:      b.ts,
				SSRC:           b.ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp: %w", err)
		}
		if _, err := conn.Write(raw); err != nil {
			return fmt.Errorf("send rtp: %w", err)
		}
		b.seq++
		b.ts += frameSamples

		if i < len(b.packets)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}

// Frames returns the number of 20ms frames in the beep.
func (b *Beeper) Frames() int {
	return len(b.packets)
}
