package management

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEnv = ">CLIENT:CONNECT,0,1\r\n" +
	">CLIENT:ENV,n_clients=1\r\n" +
	">CLIENT:ENV,time_unix=1758226254\r\n" +
	">CLIENT:ENV,time_ascii=2025-09-18 23:10:54\r\n" +
	">CLIENT:ENV,ifconfig_pool_remote_ip=10.8.0.2\r\n" +
	">CLIENT:ENV,trusted_port=53658\r\n" +
	">CLIENT:ENV,trusted_ip=176.59.170.243\r\n" +
	">CLIENT:ENV,common_name=leo-mob\r\n" +
	">CLIENT:ENV,IV_CIPHERS=AES-256-GCM:AES-128-GCM:CHACHA20-POLY1305\r\n" +
	">CLIENT:ENV,IV_PROTO=990\r\n" +
	">CLIENT:ENV,IV_PLAT=android\r\n" +
	">CLIENT:ENV,untrusted_port=53658\r\n" +
	">CLIENT:ENV,untrusted_ip=176.59.170.243\r\n" +
	">CLIENT:ENV,tun_mtu=abc\r\n" +
	">CLIENT:ENV,password=a=b\r\n" +
	">CLIENT:ENV,END"

func TestParseClientMetadata_SingleVariable(t *testing.T) {
	raw := ">CLIENT:ENV,untrusted_ip=192.168.1.1\r\n>CLIENT:ENV,END"

	assert.Equal(t, KindClientConnected, Classify(raw).Kind)
	assert.Equal(t, []KeyValue{{Key: "untrusted_ip", Value: "192.168.1.1"}}, ParseClientMetadata(raw))
}

func TestParseClientMetadata_StripsMarkers(t *testing.T) {
	raw := ">NOTIFY:info,remote-exit,EXIT\r\n>CLIENT:ESTABLISHED,3\r\n>CLIENT:ENV,common_name=bob\r\n>CLIENT:ENV,END"

	pairs := ParseClientMetadata(raw)
	assert.Equal(t, []KeyValue{{Key: "common_name", Value: "bob"}}, pairs)
}

func TestParseClientMetadata_FullDump(t *testing.T) {
	pairs := ParseClientMetadata(testEnv)

	env := map[string]string{}
	for _, kv := range pairs {
		env[kv.Key] = kv.Value
	}
	assert.Len(t, pairs, 14, "the CONNECT line has no '=' and is skipped")
	assert.Equal(t, "leo-mob", env["common_name"])
	assert.Equal(t, "a=b", env["password"], "split happens on the first '=' only")
	assert.Equal(t, "2025-09-18 23:10:54", env["time_ascii"])
}

func TestParseClientStatus(t *testing.T) {
	rows := ParseClientStatus(testStatus)

	require.Len(t, rows, 2)
	assert.Equal(t, "CLIENT_LIST", rows[0][0])
	assert.Equal(t, "leo-mob", rows[0][1])
	assert.Equal(t, "domodedovo", rows[1][1])
	assert.Len(t, rows[0], 13)
	assert.Equal(t, "AES-256-GCM", rows[1][12], "CR is not part of the last field")
}

func TestParseRoutingTableAndTime(t *testing.T) {
	rows := ParseRoutingTable(testStatus)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"ROUTING_TABLE", "10.8.0.3", "domodedovo", "82.138.49.254:58098", "2025-09-18 23:11:42", "1758226302"}, rows[1])

	row, ok := ParseServerTime(testStatus)
	require.True(t, ok)
	assert.Equal(t, []string{"TIME", "2025-09-18 23:11:49", "1758226309"}, row)

	_, ok = ParseServerTime("CLIENT_LIST,a")
	assert.False(t, ok)
}

func TestParseByteCount(t *testing.T) {
	fields, ok := ParseByteCount("7,1843580,58892570")
	require.True(t, ok)

	bc := MapByteCount("srv", fields)
	assert.Equal(t, ByteCount{
		ConnectionID:  "srv",
		ClientID:      Num(7),
		BytesReceived: Num(1843580),
		BytesSent:     Num(58892570),
	}, bc)

	for _, bad := range []string{"7,1843580", "7,1843580,58892570,1", ""} {
		_, ok := ParseByteCount(bad)
		assert.False(t, ok, bad)
	}
}

func TestByteCountPayloads(t *testing.T) {
	block := ">BYTECOUNT_CLI:7,10,20\r\n>BYTECOUNT_CLI:8,30,40\r\nnoise"
	assert.Equal(t, []string{"7,10,20", "8,30,40"}, ByteCountPayloads(block))
}

func TestMapConnectionClient(t *testing.T) {
	c, err := MapConnectionClient("srv", ParseClientMetadata(testEnv))
	require.NoError(t, err)

	assert.Equal(t, "srv", c.ConnectionID)
	assert.Equal(t, "leo-mob", c.CommonName)
	assert.Equal(t, Num(1), c.ClientCount)
	assert.Equal(t, Num(53658), c.TrustedPort)
	assert.Equal(t, "176.59.170.243", c.UntrustedIP)
	assert.Equal(t, []string{"AES-256-GCM", "AES-128-GCM", "CHACHA20-POLY1305"}, c.Peer.Ciphers)
	assert.Equal(t, Num(990), c.Peer.Proto)
	assert.Equal(t, "android", c.Peer.Platform)
	assert.False(t, c.TunMTU.Valid, "malformed numbers become invalid, not errors")
	assert.False(t, c.Verb.Valid, "absent numbers are invalid")
	assert.True(t, time.Date(2025, 9, 18, 23, 10, 54, 0, time.Local).Equal(c.TimeASCII))
	assert.Equal(t, "10.8.0.2", c.Env["ifconfig_pool_remote_ip"])
}

func TestMapConnectionClient_RequiresCommonName(t *testing.T) {
	_, err := MapConnectionClient("srv", ParseClientMetadata(">CLIENT:ENV,untrusted_ip=1.2.3.4\r\n>CLIENT:ENV,END"))
	assert.ErrorIs(t, err, ErrMissingCommonName)
}

func TestMapClientList(t *testing.T) {
	rows := ParseClientStatus(testStatus)
	rows = append(rows, []string{"CLIENT_LIST"}, []string{"CLIENT_LIST", "", "x"})

	entries := MapClientList("srv", rows)
	require.Len(t, entries, 2, "rows without a common name are dropped")

	e := entries[0]
	assert.Equal(t, "srv", e.ConnectionID)
	assert.Equal(t, "leo-mob", e.CommonName)
	assert.Equal(t, "176.59.170.243:53658", e.RealAddress)
	assert.Equal(t, "10.8.0.2", e.VirtualAddress)
	assert.Empty(t, e.VirtualIPv6Address)
	assert.Equal(t, Num(204183), e.BytesReceived)
	assert.Equal(t, Num(249253), e.BytesSent)
	assert.Equal(t, Num(1758226254), e.ConnectedSinceEpoch)
	assert.Equal(t, "UNDEF", e.Username)
	assert.Equal(t, Num(7), e.ClientID)
	assert.Equal(t, Num(2), e.PeerID)
	assert.Equal(t, "AES-256-GCM", e.DataChannelCipher)
}

func TestMapClientList_ShortRowHasInvalidNumbers(t *testing.T) {
	entries := MapClientList("srv", [][]string{{"CLIENT_LIST", "carol", "1.1.1.1:1", "10.8.0.9", "", "lots"}})
	require.Len(t, entries, 1)
	assert.False(t, entries[0].BytesReceived.Valid)
	assert.False(t, entries[0].PeerID.Valid)
	assert.Equal(t, "NaN", entries[0].BytesSent.String())
}

func TestNumber_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Number `json:"a"`
		B Number `json:"b"`
	}{A: Num(-5), B: ParseNumber("x")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":-5,"b":null}`, string(data))
	assert.Equal(t, "42", ParseNumber(" 42 ").String())
}
