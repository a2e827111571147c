package util

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
)

const (
	randomIDLenth = 8
)

type filteredLoggingHandler struct {
	filteredPaths  map[string]struct{}
	handler        http.Handler
	loggingHandler http.Handler
}

// FilteredLoggingHandler logs every request in combined log format except GETs
// of the filtered paths, which are polled too often to be worth a line.
func FilteredLoggingHandler(filteredPaths map[string]struct{}, writer io.Writer, router http.Handler) http.Handler {
	return filteredLoggingHandler{
		filteredPaths:  filteredPaths,
		handler:        router,
		loggingHandler: handlers.CombinedLoggingHandler(writer, router),
	}
}

func (h filteredLoggingHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		if _, exists := h.filteredPaths[req.URL.Path]; exists {
			h.handler.ServeHTTP(w, req)
			return
		}
	}
	h.loggingHandler.ServeHTTP(w, req)
}

func UUID() string {
	return uuid.New().String()
}

func RandomID() string {
	return UUID()[:randomIDLenth]
}

// ParsePeer accepts "host" or "host:port" where host is an IPv4 literal.
func ParsePeer(s string, defaultPort uint16) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.AddrPort{}, fmt.Errorf("empty peer address")
	}

	host, port := s, defaultPort
	if strings.Contains(s, ":") {
		h, p, err := net.SplitHostPort(s)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid peer address %v: %v", s, err)
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid port in peer address %v", s)
		}
		host, port = h, uint16(n)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid peer address %v: %v", s, err)
	}
	if !addr.Is4() {
		return netip.AddrPort{}, fmt.Errorf("peer address %v is not IPv4", s)
	}
	return netip.AddrPortFrom(addr, port), nil
}

// ParseUint parses decimal, 0x hex or 0 octal numbers that fit in bitSize bits.
func ParseUint(s string, bitSize int) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %v", s, err)
	}
	return v, nil
}

// ParseByteList turns a whitespace or comma separated list of byte values
// such as "0xde 0xad 1 2" into bytes.
func ParseByteList(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	result := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := ParseUint(f, 8)
		if err != nil {
			return nil, err
		}
		result = append(result, byte(v))
	}
	return result, nil
}

// FormatBytes prints bytes as space separated hex, the way the byte lists are
// accepted by ParseByteList.
func FormatBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("0x%02x", v)
	}
	return strings.Join(parts, " ")
}

func Filter(list []string, check func(string) bool) []string {
	result := make([]string, 0, len(list))
	for _, i := range list {
		if check(i) {
			result = append(result, i)
		}
	}
	return result
}
