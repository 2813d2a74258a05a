package management

import (
	"regexp"
	"strings"
)

// KeyValue is one entry of a >CLIENT:ENV dump.
type KeyValue struct {
	Key   string
	Value string
}

var establishedPattern = regexp.MustCompile(`>CLIENT:ESTABLISHED,\d+`)

// ParseClientMetadata extracts key=value pairs from a client-connected block.
//
// The disconnect notice, the >CLIENT:ESTABLISHED,<n> marker and the
// >CLIENT:ENV,END terminator are removed first. Every remaining line loses its
// tag up to the first comma and is split on the first '='. Lines without '='
// (for example ">CLIENT:CONNECT,0,1") are skipped.
func ParseClientMetadata(raw string) []KeyValue {
	text := strings.Replace(raw, markerRemoteExit, "", 1)
	text = establishedPattern.ReplaceAllString(text, "")
	text = strings.Replace(text, markerEnvEnd, "", 1)
	text = strings.TrimSpace(text)

	var pairs []KeyValue
	for _, line := range splitLines(text) {
		if i := strings.IndexByte(line, ','); i >= 0 {
			line = line[i+1:]
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			continue
		}
		pairs = append(pairs, KeyValue{Key: key, Value: value})
	}
	return pairs
}

// ParseClientStatus returns the comma-split CLIENT_LIST rows of a status
// reply. Field 0 is the literal tag. HEADER, ROUTING_TABLE and GLOBAL_STATS
// lines are ignored.
func ParseClientStatus(raw string) [][]string {
	return rowsWithTag(raw, markerClientList)
}

// ParseRoutingTable returns the comma-split ROUTING_TABLE rows of a status reply.
func ParseRoutingTable(raw string) [][]string {
	return rowsWithTag(raw, markerRoutingTable)
}

// ParseServerTime returns the fields of the TIME row of a status reply.
func ParseServerTime(raw string) ([]string, bool) {
	rows := rowsWithTag(raw, markerTime)
	if len(rows) == 0 {
		return nil, false
	}
	return rows[0], true
}

// ByteCountPayloads returns the text after ">BYTECOUNT_CLI:" for every
// notification line in the block.
func ByteCountPayloads(raw string) []string {
	var payloads []string
	for _, line := range splitLines(raw) {
		i := strings.Index(line, markerByteCount)
		if i < 0 {
			continue
		}
		payload := strings.TrimPrefix(line[i+len(markerByteCount):], ":")
		payloads = append(payloads, payload)
	}
	return payloads
}

// ParseByteCount splits a BYTECOUNT_CLI payload into client id, bytes
// received and bytes sent. Any other field count is malformed and reported
// with ok == false.
func ParseByteCount(payload string) ([]string, bool) {
	fields := strings.Split(strings.TrimSpace(payload), ",")
	if len(fields) != 3 {
		return nil, false
	}
	return fields, true
}

// rowsWithTag keeps lines whose first field is exactly tag.
func rowsWithTag(raw, tag string) [][]string {
	prefix := tag + ","
	var rows [][]string
	for _, line := range splitLines(raw) {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rows = append(rows, strings.Split(line, ","))
	}
	return rows
}

// splitLines splits on LF and drops the CR of CRLF endings.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
