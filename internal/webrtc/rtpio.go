package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/rtp"
)

// RTPWriter accepts outbound RTP packets. *pion.TrackLocalStaticRTP
// satisfies it.
type RTPWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

// ListenRTP opens a UDP socket for IngestRTP.
func ListenRTP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return conn, nil
}

// IngestRTP reads RTP datagrams from conn and writes them to w until ctx is
// done. Malformed datagrams are skipped. conn is closed on return.
func IngestRTP(ctx context.Context, conn net.PacketConn, w RTPWriter, log logging.LeveledLogger) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, 1500)
	var dropped int
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				log.Warnf("dropping malformed RTP datagram (%d so far): %v", dropped, err)
			}
			continue
		}
		if err := w.WriteRTP(pkt); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debugf("write rtp: %v", err)
		}
	}
}

// UDPSink forwards received audio packets to a UDP destination, for
// consumption by an external audio pipeline.
type UDPSink struct {
	mu   sync.Mutex
	conn net.Conn
	log  logging.LeveledLogger
}

// NewUDPSink dials addr.
func NewUDPSink(addr string, log logging.LeveledLogger) (*UDPSink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &UDPSink{conn: conn, log: log}, nil
}

// HandleRTP is an RTPHandler.
func (s *UDPSink) HandleRTP(remoteID string, pkt *rtp.Packet) {
	data, err := pkt.Marshal()
	if err != nil {
		s.log.Warnf("marshal rtp from %q: %v", remoteID, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write(data); err != nil {
		s.log.Debugf("forward rtp: %v", err)
	}
}

// Close closes the socket.
func (s *UDPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
