package scanning

import (
	"sync"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
)

const (
	portDNS  = 53
	portNTP  = 123
	portSNMP = 161

	ntpPacketSize = 48
	// LI=0, VN=3, Mode=3 (client).
	ntpClientHeader = 0x1b

	snmpCommunity  = "public"
	oidSysDescr    = ".1.3.6.1.2.1.1.1.0"
	snmpRequestID  = 0x5053
	dnsVersionBind = "version.bind."
)

// Many UDP services stay silent unless the datagram parses as a request they
// understand. Sending a well-formed request turns those ports into a
// confident OPEN instead of OPEN|FILTERED.
var udpPayloadBuilders = map[int]func() ([]byte, error){
	portDNS:  dnsPayload,
	portNTP:  ntpPayload,
	portSNMP: snmpPayload,
}

var (
	udpPayloadsOnce sync.Once
	udpPayloads     map[int][]byte
)

// UDPPayload returns the datagram sent to port. Ports without a dedicated
// request get an empty datagram.
func UDPPayload(port int) []byte {
	udpPayloadsOnce.Do(func() {
		udpPayloads = make(map[int][]byte, len(udpPayloadBuilders))
		for p, build := range udpPayloadBuilders {
			if payload, err := build(); err == nil {
				udpPayloads[p] = payload
			}
		}
	})
	return udpPayloads[port]
}

// dnsPayload is a CHAOS TXT query for version.bind, which most resolvers answer.
func dnsPayload() ([]byte, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dnsVersionBind, dns.TypeTXT)
	msg.Question[0].Qclass = dns.ClassCHAOS
	msg.RecursionDesired = false
	return msg.Pack()
}

// snmpPayload is an SNMPv2c GetRequest for sysDescr.0 with the public community.
func snmpPayload() ([]byte, error) {
	packet := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: snmpCommunity,
		PDUType:   gosnmp.GetRequest,
		RequestID: snmpRequestID,
		Variables: []gosnmp.SnmpPDU{
			{Name: oidSysDescr, Type: gosnmp.Null},
		},
	}
	return packet.MarshalMsg()
}

// ntpPayload is an empty NTPv3 client request.
func ntpPayload() ([]byte, error) {
	packet := make([]byte, ntpPacketSize)
	packet[0] = ntpClientHeader
	return packet, nil
}
