package server

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

var proxyProtoV2Sig = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}

// v1 lines are at most 107 bytes including CRLF.
const proxyProtoV1MaxLine = 107

var errProxyHeader = errors.New("malformed PROXY header")

// readProxyHeader consumes a HAProxy PROXY protocol header (v1 or v2) from r
// when one is present and returns the original client address. src is the
// zero value when there is no header or it carries no address (UNKNOWN,
// LOCAL). info is a short debug description.
func readProxyHeader(conn net.Conn, r *bufio.Reader, timeout time.Duration) (src netip.AddrPort, info string, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	head, err := r.Peek(len(proxyProtoV2Sig))
	if err != nil {
		return netip.AddrPort{}, "", err
	}

	// PROXY protocol v1: "PROXY TCP4 1.1.1.1 2.2.2.2 123 456\r\n"
	if bytes.HasPrefix(head, []byte("PROXY ")) {
		return readProxyV1(r)
	}
	if bytes.Equal(head, proxyProtoV2Sig) {
		return readProxyV2(r)
	}
	return netip.AddrPort{}, "", nil
}

func readProxyV1(r *bufio.Reader) (netip.AddrPort, string, error) {
	var line []byte
	for len(line) < proxyProtoV1MaxLine {
		b, err := r.ReadByte()
		if err != nil {
			return netip.AddrPort{}, "", err
		}
		line = append(line, b)
		if bytes.HasSuffix(line, []byte("\r\n")) {
			break
		}
	}
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return netip.AddrPort{}, "", fmt.Errorf("%w: v1 line too long", errProxyHeader)
	}

	// parts: PROXY TCP4 src dst sport dport
	parts := strings.Fields(string(line))
	if len(parts) >= 2 && parts[1] == "UNKNOWN" {
		return netip.AddrPort{}, "proxyproto=v1 family=unknown", nil
	}
	if len(parts) != 6 {
		return netip.AddrPort{}, "", fmt.Errorf("%w: v1 has %d fields", errProxyHeader, len(parts))
	}
	addr, err := netip.ParseAddr(parts[2])
	if err != nil {
		return netip.AddrPort{}, "", fmt.Errorf("%w: v1 source: %v", errProxyHeader, err)
	}
	port, err := strconv.ParseUint(parts[4], 10, 16)
	if err != nil {
		return netip.AddrPort{}, "", fmt.Errorf("%w: v1 source port: %v", errProxyHeader, err)
	}
	src := netip.AddrPortFrom(addr, uint16(port))
	return src, fmt.Sprintf("proxyproto=v1 src=%s dst=%s:%s", src, parts[3], parts[5]), nil
}

func readProxyV2(r *bufio.Reader) (netip.AddrPort, string, error) {
	// 12 byte signature, ver/cmd, family/proto, 2 byte length.
	fixed := make([]byte, 16)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return netip.AddrPort{}, "", err
	}
	l := int(binary.BigEndian.Uint16(fixed[14:16]))
	body := make([]byte, l)
	if _, err := io.ReadFull(r, body); err != nil {
		return netip.AddrPort{}, "", err
	}

	verCmd := fixed[12]
	famProto := fixed[13]
	if verCmd>>4 != 0x2 {
		return netip.AddrPort{}, "", fmt.Errorf("%w: v2 version %d", errProxyHeader, verCmd>>4)
	}
	if verCmd&0x0F == 0x0 { // LOCAL: health check from the proxy itself
		return netip.AddrPort{}, "proxyproto=v2 cmd=local", nil
	}

	switch famProto >> 4 {
	case 0x1: // AF_INET: 4+4+2+2
		if l < 12 {
			return netip.AddrPort{}, "", fmt.Errorf("%w: v2 inet body %d bytes", errProxyHeader, l)
		}
		srcIP := netip.AddrFrom4([4]byte(body[0:4]))
		dstIP := netip.AddrFrom4([4]byte(body[4:8]))
		src := netip.AddrPortFrom(srcIP, binary.BigEndian.Uint16(body[8:10]))
		dst := netip.AddrPortFrom(dstIP, binary.BigEndian.Uint16(body[10:12]))
		return src, fmt.Sprintf("proxyproto=v2 src=%s dst=%s", src, dst), nil
	case 0x2: // AF_INET6: 16+16+2+2
		if l < 36 {
			return netip.AddrPort{}, "", fmt.Errorf("%w: v2 inet6 body %d bytes", errProxyHeader, l)
		}
		srcIP := netip.AddrFrom16([16]byte(body[0:16]))
		dstIP := netip.AddrFrom16([16]byte(body[16:32]))
		src := netip.AddrPortFrom(srcIP, binary.BigEndian.Uint16(body[32:34]))
		dst := netip.AddrPortFrom(dstIP, binary.BigEndian.Uint16(body[34:36]))
		return src, fmt.Sprintf("proxyproto=v2 src=%s dst=%s", src, dst), nil
	default:
		return netip.AddrPort{}, "proxyproto=v2 family=unspec", nil
	}
}
