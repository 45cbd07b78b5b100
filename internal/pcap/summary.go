// Package pcap summarizes packet captures downloaded from CUBE, CSR1000v
// and Expressway devices.
package pcap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// topTalkers bounds the conversation list.
const topTalkers = 5

// Summary provides high-level stats for one capture file.
type Summary struct {
	File       string
	LinkType   layers.LinkType
	Packets    int
	Bytes      int64
	First      time.Time
	Last       time.Time
	Protocols  map[string]int
	Talkers    []Talker
	SIP        SIPStats
	Undecoded  int
	conversion map[string]*Talker
}

// Talker is one directed IP conversation.
type Talker struct {
	Src     string
	Dst     string
	Packets int
	Bytes   int64
}

// Duration is the time between the first and last packet.
func (s *Summary) Duration() time.Duration {
	if s.First.IsZero() {
		return 0
	}
	return s.Last.Sub(s.First)
}

// packetReader is satisfied by both pcapgo readers.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Summarize reads a pcap or pcapng file.
func Summarize(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	s, err := SummarizeReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.File = path
	return s, nil
}

// SummarizeReader reads a capture stream, detecting pcap or pcapng from
// its magic number.
func SummarizeReader(r io.Reader) (*Summary, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var reader packetReader
	if bytes.Equal(magic, []byte{0x0a, 0x0d, 0x0d, 0x0a}) {
		reader, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		reader, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("not a capture file: %w", err)
	}

	s := &Summary{
		LinkType:   reader.LinkType(),
		Protocols:  make(map[string]int),
		SIP:        newSIPStats(),
		conversion: make(map[string]*Talker),
	}
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read packet %d: %w", s.Packets+1, err)
		}
		s.add(gopacket.NewPacket(data, reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true}), ci)
	}
	s.finish()
	return s, nil
}

func (s *Summary) add(pkt gopacket.Packet, ci gopacket.CaptureInfo) {
	s.Packets++
	s.Bytes += int64(ci.Length)
	if s.First.IsZero() || ci.Timestamp.Before(s.First) {
		s.First = ci.Timestamp
	}
	if ci.Timestamp.After(s.Last) {
		s.Last = ci.Timestamp
	}
	if pkt.ErrorLayer() != nil {
		s.Undecoded++
	}

	var src, dst string
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst = ip.SrcIP.String(), ip.DstIP.String()
	case *layers.IPv6:
		src, dst = ip.SrcIP.String(), ip.DstIP.String()
	default:
		s.Protocols["non-ip"]++
		return
	}
	key := src + ">" + dst
	t, ok := s.conversion[key]
	if !ok {
		t = &Talker{Src: src, Dst: dst}
		s.conversion[key] = t
	}
	t.Packets++
	t.Bytes += int64(ci.Length)

	switch l := pkt.TransportLayer().(type) {
	case *layers.UDP:
		s.Protocols["udp"]++
		s.SIP.observe(uint16(l.SrcPort), uint16(l.DstPort), l.Payload)
	case *layers.TCP:
		s.Protocols["tcp"]++
		s.SIP.observe(uint16(l.SrcPort), uint16(l.DstPort), l.Payload)
	default:
		if pkt.Layer(layers.LayerTypeICMPv4) != nil || pkt.Layer(layers.LayerTypeICMPv6) != nil {
			s.Protocols["icmp"]++
		} else {
			s.Protocols["other"]++
		}
	}
}

func (s *Summary) finish() {
	for _, t := range s.conversion {
		s.Talkers = append(s.Talkers, *t)
	}
	sort.Slice(s.Talkers, func(i, j int) bool {
		if s.Talkers[i].Packets != s.Talkers[j].Packets {
			return s.Talkers[i].Packets > s.Talkers[j].Packets
		}
		return s.Talkers[i].Src+s.Talkers[i].Dst < s.Talkers[j].Src+s.Talkers[j].Dst
	})
	if len(s.Talkers) > topTalkers {
		s.Talkers = s.Talkers[:topTalkers]
	}
	s.conversion = nil
}

// FormatSummary renders the summary for the terminal.
func FormatSummary(s *Summary) string {
	var b strings.Builder
	if s.File != "" {
		fmt.Fprintf(&b, "Capture: %s\n", s.File)
	}
	fmt.Fprintf(&b, "Link type: %s\n", s.LinkType)
	fmt.Fprintf(&b, "Packets: %d (%s)\n", s.Packets, humanize.Bytes(uint64(s.Bytes)))
	if s.Packets > 0 {
		fmt.Fprintf(&b, "Span: %s to %s (%s)\n",
			s.First.UTC().Format(time.RFC3339), s.Last.UTC().Format(time.RFC3339), s.Duration().Round(time.Millisecond))
	}

	if len(s.Protocols) > 0 {
		b.WriteString("Protocols:\n")
		for _, name := range sortedKeys(s.Protocols) {
			fmt.Fprintf(&b, "  %-8s %d\n", name, s.Protocols[name])
		}
	}
	if len(s.Talkers) > 0 {
		b.WriteString("Top conversations:\n")
		for _, t := range s.Talkers {
			fmt.Fprintf(&b, "  %s -> %s  %d packets, %s\n", t.Src, t.Dst, t.Packets, humanize.Bytes(uint64(t.Bytes)))
		}
	}
	if s.SIP.Messages > 0 {
		fmt.Fprintf(&b, "SIP: %d messages, %d calls\n", s.SIP.Messages, s.SIP.Calls())
		for _, m := range sortedKeys(s.SIP.Requests) {
			fmt.Fprintf(&b, "  %-10s %d\n", m, s.SIP.Requests[m])
		}
		for _, code := range sortedKeys(s.SIP.Responses) {
			fmt.Fprintf(&b, "  %-10s %d\n", code, s.SIP.Responses[code])
		}
	}
	if s.SIP.TLS > 0 {
		fmt.Fprintf(&b, "SIP over TLS (not decoded): %d packets\n", s.SIP.TLS)
	}
	if s.Undecoded > 0 {
		fmt.Fprintf(&b, "Undecoded packets: %d\n", s.Undecoded)
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
