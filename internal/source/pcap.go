package source

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapReader yields the UDP payloads of a capture file in capture order,
// optionally limited to one destination port.
type pcapReader struct {
	f       *os.File
	src     *gopacket.PacketSource
	port    layers.UDPPort
	pending []byte
}

func openPcap(raw string, log *slog.Logger) (*pcapReader, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	path := u.Host + u.Path
	if path == "" {
		return nil, fmt.Errorf("source: %s: missing capture path", raw)
	}

	var port int
	if v := u.Query().Get("port"); v != "" {
		port, err = strconv.Atoi(v)
		if err != nil || port < 0 || port > 0xFFFF {
			return nil, fmt.Errorf("source: %s: bad port %q", raw, v)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("source: read capture %s: %w", path, err)
	}

	src := gopacket.NewPacketSource(r, r.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	log.Info("capture opened", "path", path, "link_type", r.LinkType(), "port", port)

	return &pcapReader{f: f, src: src, port: layers.UDPPort(port)}, nil
}

func (r *pcapReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		pkt, err := r.src.NextPacket()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, io.EOF
		}
		if err != nil {
			return 0, fmt.Errorf("source: read capture: %w", err)
		}
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if r.port != 0 && udp.DstPort != r.port {
			continue
		}
		r.pending = udp.Payload
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *pcapReader) Close() error {
	return r.f.Close()
}
