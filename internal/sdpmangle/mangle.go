// Package sdpmangle rewrites the connection address in an SDP body so that
// media sent to a private or otherwise unreachable advertised address can
// instead reach the B2BUA's own RTP channel. It is deliberately narrow: it
// never touches codecs, attributes, or ports, matching the spec's framing
// of the RTP channel payload as opaque.
package sdpmangle

import (
	"net"

	psdp "github.com/pion/sdp/v3"
)

// Mangle rewrites the session- and media-level connection addresses in
// body to newAddress wherever the existing address is private, loopback,
// or otherwise not something a remote peer could route to. It reports
// changed=false, body unmodified, when nothing needed rewriting or the
// body does not parse as SDP — mangling is best-effort, never fatal to the
// caller.
func Mangle(body []byte, newAddress string) (mangled []byte, changed bool, err error) {
	sdpObj := &psdp.SessionDescription{}
	if unmarshalErr := sdpObj.Unmarshal(body); unmarshalErr != nil {
		return body, false, unmarshalErr
	}

	changed = rewriteConnection(sdpObj.ConnectionInformation, newAddress) || changed
	for _, md := range sdpObj.MediaDescriptions {
		changed = rewriteConnection(md.ConnectionInformation, newAddress) || changed
	}

	if !changed {
		return body, false, nil
	}

	out, marshalErr := sdpObj.Marshal()
	if marshalErr != nil {
		return body, false, marshalErr
	}
	return out, true, nil
}

func rewriteConnection(ci *psdp.ConnectionInformation, newAddress string) bool {
	if ci == nil || ci.Address == nil {
		return false
	}
	if !needsRewrite(ci.Address.Address, newAddress) {
		return false
	}
	ci.Address.Address = newAddress
	return true
}

// needsRewrite reports whether current should be replaced by replacement:
// true when current differs from replacement and resolves to a private,
// loopback, or unspecified IP (the address classes an outside peer could
// never reach directly).
func needsRewrite(current, replacement string) bool {
	if current == "" || current == replacement {
		return false
	}
	ip := net.ParseIP(current)
	if ip == nil {
		// Hostnames (FQDNs) are left alone; only literal unreachable IPs
		// are rewritten.
		return false
	}
	return isPrivate(ip)
}

// isPrivate reports whether ip is a private-use, loopback, link-local, or
// unspecified address per RFC 1918 / RFC 4291, the address classes media
// descriptions should never advertise to a peer outside that network.
func isPrivate(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
		return true
	}
	return ip.IsPrivate()
}
