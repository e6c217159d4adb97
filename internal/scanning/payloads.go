package scanning

import (
	"io"
	"log"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
)

const (
	portDNS  = 53
	portNTP  = 123
	portSNMP = 161

	ntpPacketSize = 48
	// LI=0, VN=3, Mode=3 (client)
	ntpClientHeader = 0x1B

	// OIDSysDescr is SNMPv2-MIB::sysDescr.0.
	OIDSysDescr = ".1.3.6.1.2.1.1.1.0"
)

// UDPPayload returns the datagram sent to port. Ports without a protocol
// specific probe get an empty datagram.
func UDPPayload(port int) []byte {
	switch port {
	case portDNS:
		return dnsVersionQuery()
	case portNTP:
		return ntpClientRequest()
	case portSNMP:
		return snmpGetRequest("public", OIDSysDescr)
	default:
		return []byte{}
	}
}

func dnsVersionQuery() []byte {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.Question = []dns.Question{{Name: "version.bind.", Qtype: dns.TypeTXT, Qclass: dns.ClassCHAOS}}
	out, err := msg.Pack()
	if err != nil {
		return []byte{}
	}
	return out
}

func ntpClientRequest() []byte {
	pkt := make([]byte, ntpPacketSize)
	pkt[0] = ntpClientHeader
	return pkt
}

// SNMPLogger discards gosnmp's internal logging.
var SNMPLogger = gosnmp.NewLogger(log.New(io.Discard, "", 0))

func snmpGetRequest(community, oid string) []byte {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version1,
		Community: community,
		PDUType:   gosnmp.GetRequest,
		RequestID: 1,
		Variables: []gosnmp.SnmpPDU{{Name: oid, Type: gosnmp.Null}},
		Logger:    SNMPLogger,
	}
	out, err := pkt.MarshalMsg()
	if err != nil {
		return []byte{}
	}
	return out
}
