package pcap

import (
	"bytes"
	"strings"
)

const (
	sipPort    = 5060
	sipTLSPort = 5061
)

var sipMethods = []string{"INVITE", "ACK", "BYE", "CANCEL", "OPTIONS", "REGISTER", "PRACK", "SUBSCRIBE", "NOTIFY", "PUBLISH", "INFO", "REFER", "MESSAGE", "UPDATE"}

// SIPStats counts SIP signalling seen in cleartext.
type SIPStats struct {
	Messages int
	// Requests counts by method, Responses by status line ("200 OK").
	Requests  map[string]int
	Responses map[string]int
	// TLS counts packets on the SIP TLS port, which cannot be decoded.
	TLS     int
	callIDs map[string]struct{}
}

func newSIPStats() SIPStats {
	return SIPStats{
		Requests:  make(map[string]int),
		Responses: make(map[string]int),
		callIDs:   make(map[string]struct{}),
	}
}

// Calls is the number of distinct Call-IDs.
func (s *SIPStats) Calls() int {
	return len(s.callIDs)
}

func (s *SIPStats) observe(srcPort, dstPort uint16, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if srcPort == sipTLSPort || dstPort == sipTLSPort {
		s.TLS++
		return
	}
	if srcPort != sipPort && dstPort != sipPort && !looksLikeSIP(payload) {
		return
	}
	line, headers, ok := splitStartLine(payload)
	if !ok {
		return
	}
	switch {
	case strings.HasPrefix(line, "SIP/2.0 "):
		status := strings.TrimSpace(strings.TrimPrefix(line, "SIP/2.0 "))
		if status == "" {
			return
		}
		s.Responses[status]++
	default:
		method, _, _ := strings.Cut(line, " ")
		if !isSIPMethod(method) || !strings.HasSuffix(line, "SIP/2.0") {
			return
		}
		s.Requests[method]++
	}
	s.Messages++
	if id := callID(headers); id != "" {
		s.callIDs[id] = struct{}{}
	}
}

func looksLikeSIP(payload []byte) bool {
	if bytes.HasPrefix(payload, []byte("SIP/2.0 ")) {
		return true
	}
	for _, m := range sipMethods {
		if bytes.HasPrefix(payload, []byte(m+" sip:")) || bytes.HasPrefix(payload, []byte(m+" sips:")) {
			return true
		}
	}
	return false
}

func isSIPMethod(m string) bool {
	for _, known := range sipMethods {
		if m == known {
			return true
		}
	}
	return false
}

func splitStartLine(payload []byte) (string, []byte, bool) {
	i := bytes.Index(payload, []byte("\r\n"))
	if i <= 0 {
		return "", nil, false
	}
	return string(payload[:i]), payload[i+2:], true
}

// callID finds the Call-ID header, including its compact form "i".
func callID(headers []byte) string {
	for _, raw := range bytes.Split(headers, []byte("\r\n")) {
		if len(raw) == 0 {
			break
		}
		name, value, ok := strings.Cut(string(raw), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if strings.EqualFold(name, "Call-ID") || name == "i" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
