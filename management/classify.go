package management

import (
	"regexp"
	"strings"
)

// Kind tags a block with the record it carries.
type Kind int

const (
	KindUnknown Kind = iota
	// KindClientConnected is a >CLIENT:ENV dump for a newly established client.
	KindClientConnected
	// KindByteCount carries one or more >BYTECOUNT_CLI notifications.
	KindByteCount
	// KindClientDisconnectNotice only triggers a fresh status poll.
	KindClientDisconnectNotice
	// KindClientList is a status reply with CLIENT_LIST rows.
	KindClientList
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindClientConnected:
		return "client-connected"
	case KindByteCount:
		return "byte-count"
	case KindClientDisconnectNotice:
		return "client-disconnect-notice"
	case KindClientList:
		return "client-list"
	default:
		return "unknown"
	}
}

// Wire markers recognised by Classify.
const (
	markerByteCount    = ">BYTECOUNT_CLI"
	markerRemoteExit   = ">NOTIFY:info,remote-exit,EXIT"
	markerClientList   = "CLIENT_LIST"
	markerEnvEnd       = ">CLIENT:ENV,END"
	markerRoutingTable = "ROUTING_TABLE"
	markerTime         = "TIME"
)

var envPattern = regexp.MustCompile(`>\w+:ENV`)

// Classified is the result of Classify. Raw is empty for
// KindClientDisconnectNotice because the payload is never parsed.
type Classified struct {
	Kind Kind
	Raw  string
}

// Classify tags a block. Rules are checked in order and the first match wins,
// so a block holding both an ENV dump and CLIENT_LIST rows is a
// client-connected block. Classify never fails.
func Classify(block string) Classified {
	switch {
	case envPattern.MatchString(block):
		return Classified{Kind: KindClientConnected, Raw: block}
	case strings.Contains(block, markerByteCount):
		return Classified{Kind: KindByteCount, Raw: block}
	case strings.Contains(block, markerRemoteExit):
		return Classified{Kind: KindClientDisconnectNotice}
	case strings.Contains(block, markerClientList):
		return Classified{Kind: KindClientList, Raw: block}
	default:
		return Classified{Kind: KindUnknown, Raw: block}
	}
}
