package sipdevice

import (
	"net"
	"strconv"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

const (
	payloadPCMU = 0
	clockRate   = 8000
	ptimeMs     = 20
)

var errNoAudio = errors.New("sdp has no audio media")

// buildSDP формирует описание сессии с единственным кодеком PCMU.
// Одна и та же форма используется для offer и answer.
func buildSDP(ip string, port int, sessionID uint64) ([]byte, error) {
	if net.ParseIP(ip) == nil {
		return nil, errors.Errorf("invalid media address %q", ip)
	}
	addrType := "IP4"
	if net.ParseIP(ip).To4() == nil {
		addrType = "IP6"
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: ip,
		},
		SessionName: "webdialer",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{strconv.Itoa(payloadPCMU)},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: strconv.Itoa(payloadPCMU) + " PCMU/" + strconv.Itoa(clockRate)},
					{Key: "ptime", Value: strconv.Itoa(ptimeMs)},
					{Key: "sendrecv"},
				},
			},
		},
	}
	return desc.Marshal()
}

// remoteMedia извлекает адрес RTP собеседника из SDP.
// Адрес на уровне медиа имеет приоритет над адресом сессии.
func remoteMedia(body []byte) (*net.UDPAddr, error) {
	if len(body) == 0 {
		return nil, errors.New("empty sdp")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, errors.Wrap(err, "parse sdp")
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		conn := md.ConnectionInformation
		if conn == nil {
			conn = desc.ConnectionInformation
		}
		if conn == nil || conn.Address == nil {
			return nil, errors.New("sdp has no connection address")
		}
		ip := net.ParseIP(conn.Address.Address)
		if ip == nil {
			return nil, errors.Errorf("invalid connection address %q", conn.Address.Address)
		}
		return &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value}, nil
	}
	return nil, errNoAudio
}
