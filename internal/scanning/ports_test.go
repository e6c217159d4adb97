package scanning

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosnmp/gosnmp"

	"github.com/anstrom/netsentry/internal/errors"
)

func TestParsePorts(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		exclude string
		want    []int
	}{
		{"single", "22", "", []int{22}},
		{"list sorted and unique", "443, 22,80,22", "", []int{22, 80, 443}},
		{"range", "8000-8003", "", []int{8000, 8001, 8002, 8003}},
		{"mixed", "22,8080-8081,53", "", []int{22, 53, 8080, 8081}},
		{"exclude", "20-25", "21,23-24", []int{20, 22, 25}},
		{"trailing comma", "22,", "", []int{22}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePorts(tt.spec, tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePortsKeywords(t *testing.T) {
	all, err := ParsePorts("all", "")
	require.NoError(t, err)
	assert.Len(t, all, 65535)
	assert.Equal(t, 1, all[0])
	assert.Equal(t, 65535, all[len(all)-1])

	common, err := ParsePorts("COMMON", "22")
	require.NoError(t, err)
	assert.NotContains(t, common, 22)
	assert.Contains(t, common, 443)
	assert.Contains(t, CommonPorts(), 22, "exclusion must not modify the built-in list")
}

func TestParsePortsErrors(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		exclude string
	}{
		{"empty", "", ""},
		{"zero", "0", ""},
		{"too large", "65536", ""},
		{"reversed", "100-10", ""},
		{"double dash", "1-2-3", ""},
		{"garbage", "ssh", ""},
		{"keyword in exclude", "22", "common"},
		{"everything excluded", "22", "22"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePorts(tt.spec, tt.exclude)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeValidation))
		})
	}
}

func TestUDPPayloads(t *testing.T) {
	var msg dns.Msg
	require.NoError(t, msg.Unpack(UDPPayload(53)))
	require.Len(t, msg.Question, 1)
	assert.Equal(t, "version.bind.", msg.Question[0].Name)
	assert.Equal(t, dns.TypeTXT, msg.Question[0].Qtype)
	assert.Equal(t, uint16(dns.ClassCHAOS), msg.Question[0].Qclass)

	ntp := UDPPayload(123)
	require.Len(t, ntp, 48)
	assert.Equal(t, byte(0x1B), ntp[0])

	decoder := &gosnmp.GoSNMP{Logger: SNMPLogger}
	pkt, err := decoder.SnmpDecodePacket(UDPPayload(161))
	require.NoError(t, err)
	assert.Equal(t, "public", pkt.Community)
	assert.Equal(t, gosnmp.Version1, pkt.Version)
	require.Len(t, pkt.Variables, 1)
	assert.Equal(t, OIDSysDescr, pkt.Variables[0].Name)

	assert.Empty(t, UDPPayload(9999))
}
