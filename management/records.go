package management

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Number is an integer column decoded from the wire. Valid is false when the
// text was not a base-10 integer; callers must check it before using Value.
type Number struct {
	Value int64
	Valid bool
}

// ParseNumber never fails; malformed text yields an invalid Number.
func ParseNumber(s string) Number {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Number{}
	}
	return Number{Value: v, Valid: true}
}

// Num builds a valid Number.
func Num(v int64) Number {
	return Number{Value: v, Valid: true}
}

// String returns "NaN" for invalid numbers.
func (n Number) String() string {
	if !n.Valid {
		return "NaN"
	}
	return strconv.FormatInt(n.Value, 10)
}

// MarshalJSON encodes invalid numbers as null.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, n.Value, 10), nil
}

// PeerInfo holds the IV_* variables a client reports during the handshake.
type PeerInfo struct {
	SSO        string   `json:"sso,omitempty"`
	GUIVersion string   `json:"gui_ver,omitempty"`
	CompStub   Number   `json:"comp_stub"`
	CompStubV2 Number   `json:"comp_stub_v2"`
	LZOStub    Number   `json:"lzo_stub"`
	Proto      Number   `json:"proto"`
	Ciphers    []string `json:"ciphers,omitempty"`
	NCP        string   `json:"ncp,omitempty"`
	MTU        string   `json:"mtu,omitempty"`
	TCPNL      string   `json:"tcpnl,omitempty"`
	Platform   string   `json:"plat,omitempty"`
	Version    string   `json:"ver,omitempty"`
}

// ConnectionClient describes a client that just completed its handshake,
// built from a >CLIENT:ENV dump.
type ConnectionClient struct {
	ConnectionID string `json:"id"`

	Connection           string    `json:"connection,omitempty"`
	ClientCount          Number    `json:"n_clients"`
	TimeUnix             Number    `json:"time_unix"`
	TimeASCII            time.Time `json:"time_ascii"`
	IfconfigPoolNetmask  string    `json:"ifconfig_pool_netmask,omitempty"`
	IfconfigPoolRemoteIP string    `json:"ifconfig_pool_remote_ip,omitempty"`
	TrustedPort          Number    `json:"trusted_port"`
	TrustedIP            string    `json:"trusted_ip,omitempty"`
	CommonName           string    `json:"common_name"`
	Peer                 PeerInfo  `json:"iv"`
	UntrustedPort        Number    `json:"untrusted_port"`
	UntrustedIP          string    `json:"untrusted_ip,omitempty"`

	TLSID0  string `json:"tls_id_0,omitempty"`
	X509CN0 string `json:"x509_0_cn,omitempty"`
	TLSID1  string `json:"tls_id_1,omitempty"`
	X509CN1 string `json:"x509_1_cn,omitempty"`

	RemotePort1 Number `json:"remote_port_1"`
	LocalPort1  Number `json:"local_port_1"`
	Proto1      string `json:"proto_1,omitempty"`

	DaemonPID         string `json:"daemon_pid,omitempty"`
	DaemonStartTime   Number `json:"daemon_start_time"`
	DaemonLogRedirect string `json:"daemon_log_redirect,omitempty"`
	Daemon            string `json:"daemon,omitempty"`
	Verb              Number `json:"verb"`
	Config            string `json:"config,omitempty"`

	IfconfigLocal   string `json:"ifconfig_local,omitempty"`
	IfconfigNetmask string `json:"ifconfig_netmask,omitempty"`
	ScriptContext   string `json:"script_context,omitempty"`
	TunMTU          Number `json:"tun_mtu"`
	Dev             string `json:"dev,omitempty"`
	DevType         string `json:"dev_type,omitempty"`

	// Env keeps every variable of the dump, including ones not mapped above.
	Env map[string]string `json:"env,omitempty"`
}

// ByteCount is one >BYTECOUNT_CLI notification.
type ByteCount struct {
	ConnectionID  string `json:"id"`
	ClientID      Number `json:"client_id"`
	BytesReceived Number `json:"bytes_received"` // from the client
	BytesSent     Number `json:"bytes_sent"`     // to the client
}

// ClientListEntry is one CLIENT_LIST row of a "status 2" reply.
type ClientListEntry struct {
	ConnectionID        string `json:"id"`
	CommonName          string `json:"common_name"`
	RealAddress         string `json:"real_address"`
	VirtualAddress      string `json:"virtual_address"`
	VirtualIPv6Address  string `json:"virtual_ipv6_address,omitempty"`
	BytesReceived       Number `json:"bytes_received"`
	BytesSent           Number `json:"bytes_sent"`
	ConnectedSince      string `json:"connected_since"`
	ConnectedSinceEpoch Number `json:"connected_since_epoch"`
	Username            string `json:"username"`
	ClientID            Number `json:"client_id"`
	PeerID              Number `json:"peer_id"`
	DataChannelCipher   string `json:"data_channel_cipher"`
}

// RoutingEntry is one ROUTING_TABLE row of a "status 2" reply.
type RoutingEntry struct {
	ConnectionID   string `json:"id"`
	VirtualAddress string `json:"virtual_address"`
	CommonName     string `json:"common_name"`
	RealAddress    string `json:"real_address"`
	LastRef        string `json:"last_ref"`
	LastRefEpoch   Number `json:"last_ref_epoch"`
}

// ServerTime is the TIME row of a "status 2" reply.
type ServerTime struct {
	ConnectionID string `json:"id"`
	ASCII        string `json:"ascii"`
	Unix         Number `json:"unix"`
}

// ErrMissingCommonName is returned when an ENV dump has no common_name.
var ErrMissingCommonName = errors.New("client metadata has no common_name")

// timeLayouts covers "status 2" style and ctime style timestamps.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.ANSIC,
}

func parseASCIITime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// MapConnectionClient builds a ConnectionClient from parsed ENV pairs.
// common_name is required; every other field may be empty or invalid.
func MapConnectionClient(connectionID string, pairs []KeyValue) (ConnectionClient, error) {
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		env[kv.Key] = kv.Value
	}

	cn, ok := env["common_name"]
	if !ok || cn == "" {
		return ConnectionClient{}, ErrMissingCommonName
	}

	var ciphers []string
	if v := env["IV_CIPHERS"]; v != "" {
		ciphers = strings.Split(v, ":")
	}

	return ConnectionClient{
		ConnectionID:         connectionID,
		Connection:           env["connection"],
		ClientCount:          ParseNumber(env["n_clients"]),
		TimeUnix:             ParseNumber(env["time_unix"]),
		TimeASCII:            parseASCIITime(env["time_ascii"]),
		IfconfigPoolNetmask:  env["ifconfig_pool_netmask"],
		IfconfigPoolRemoteIP: env["ifconfig_pool_remote_ip"],
		TrustedPort:          ParseNumber(env["trusted_port"]),
		TrustedIP:            env["trusted_ip"],
		CommonName:           cn,
		Peer: PeerInfo{
			SSO:        env["IV_SSO"],
			GUIVersion: env["IV_GUI_VER"],
			CompStub:   ParseNumber(env["IV_COMP_STUB"]),
			CompStubV2: ParseNumber(env["IV_COMP_STUBv2"]),
			LZOStub:    ParseNumber(env["IV_LZO_STUB"]),
			Proto:      ParseNumber(env["IV_PROTO"]),
			Ciphers:    ciphers,
			NCP:        env["IV_NCP"],
			MTU:        env["IV_MTU"],
			TCPNL:      env["IV_TCPNL"],
			Platform:   env["IV_PLAT"],
			Version:    env["IV_VER"],
		},
		UntrustedPort:     ParseNumber(env["untrusted_port"]),
		UntrustedIP:       env["untrusted_ip"],
		TLSID0:            env["tls_id_0"],
		X509CN0:           env["X509_0_CN"],
		TLSID1:            env["tls_id_1"],
		X509CN1:           env["X509_1_CN"],
		RemotePort1:       ParseNumber(env["remote_port_1"]),
		LocalPort1:        ParseNumber(env["local_port_1"]),
		Proto1:            env["proto_1"],
		DaemonPID:         env["daemon_pid"],
		DaemonStartTime:   ParseNumber(env["daemon_start_time"]),
		DaemonLogRedirect: env["daemon_log_redirect"],
		Daemon:            env["daemon"],
		Verb:              ParseNumber(env["verb"]),
		Config:            env["config"],
		IfconfigLocal:     env["ifconfig_local"],
		IfconfigNetmask:   env["ifconfig_netmask"],
		ScriptContext:     env["script_context"],
		TunMTU:            ParseNumber(env["tun_mtu"]),
		Dev:               env["dev"],
		DevType:           env["dev_type"],
		Env:               env,
	}, nil
}

// MapByteCount builds a ByteCount from the three fields returned by ParseByteCount.
func MapByteCount(connectionID string, fields []string) ByteCount {
	return ByteCount{
		ConnectionID:  connectionID,
		ClientID:      ParseNumber(field(fields, 0)),
		BytesReceived: ParseNumber(field(fields, 1)),
		BytesSent:     ParseNumber(field(fields, 2)),
	}
}

// MapClientList builds entries from CLIENT_LIST rows. Rows without a common
// name are dropped.
func MapClientList(connectionID string, rows [][]string) []ClientListEntry {
	entries := make([]ClientListEntry, 0, len(rows))
	for _, row := range rows {
		cn := field(row, 1)
		if cn == "" {
			continue
		}
		entries = append(entries, ClientListEntry{
			ConnectionID:        connectionID,
			CommonName:          cn,
			RealAddress:         field(row, 2),
			VirtualAddress:      field(row, 3),
			VirtualIPv6Address:  field(row, 4),
			BytesReceived:       ParseNumber(field(row, 5)),
			BytesSent:           ParseNumber(field(row, 6)),
			ConnectedSince:      field(row, 7),
			ConnectedSinceEpoch: ParseNumber(field(row, 8)),
			Username:            field(row, 9),
			ClientID:            ParseNumber(field(row, 10)),
			PeerID:              ParseNumber(field(row, 11)),
			DataChannelCipher:   field(row, 12),
		})
	}
	return entries
}

// MapRoutingTable builds entries from ROUTING_TABLE rows.
func MapRoutingTable(connectionID string, rows [][]string) []RoutingEntry {
	entries := make([]RoutingEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, RoutingEntry{
			ConnectionID:   connectionID,
			VirtualAddress: field(row, 1),
			CommonName:     field(row, 2),
			RealAddress:    field(row, 3),
			LastRef:        field(row, 4),
			LastRefEpoch:   ParseNumber(field(row, 5)),
		})
	}
	return entries
}

// MapServerTime builds a ServerTime from the TIME row.
func MapServerTime(connectionID string, row []string) ServerTime {
	return ServerTime{
		ConnectionID: connectionID,
		ASCII:        field(row, 1),
		Unix:         ParseNumber(field(row, 2)),
	}
}

func field(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}
