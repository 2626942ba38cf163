package sipgw

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/flowpbx/tdmcore/internal/dsp"
)

// Static RTP payload types for G.711.
const (
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8
)

// ErrNoCommonCodec is returned when an offer carries no G.711 audio.
var ErrNoCommonCodec = errors.New("no common codec")

// offer is the part of a remote SDP offer the gateway needs.
type offer struct {
	Remote      *net.UDPAddr
	PayloadType uint8
	Codec       dsp.Codec
	// DTMFType is the telephone-event payload type, or -1 if not offered.
	DTMFType int
}

// parseOffer picks the first G.711 format from the offer's audio stream,
// keeping the offerer's preference order.
func parseOffer(body []byte) (*offer, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("sdp has no active audio stream: %w", ErrNoCommonCodec)
	}

	o := &offer{DTMFType: -1}
	found := false
	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		switch uint8(pt) {
		case PayloadPCMU:
			if !found {
				o.PayloadType, o.Codec, found = PayloadPCMU, dsp.CodecUlaw, true
			}
		case PayloadPCMA:
			if !found {
				o.PayloadType, o.Codec, found = PayloadPCMA, dsp.CodecAlaw, true
			}
		}
	}
	if !found {
		return nil, ErrNoCommonCodec
	}
	for _, a := range audio.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, enc, ok := strings.Cut(a.Value, " ")
		if ok && strings.HasPrefix(strings.ToLower(enc), "telephone-event/") {
			if n, err := strconv.Atoi(pt); err == nil {
				o.DTMFType = n
			}
		}
	}

	host := ""
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		host = audio.ConnectionInformation.Address.Address
	} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		host = sd.ConnectionInformation.Address.Address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("sdp connection address %q is not an ip", host)
	}
	o.Remote = &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value}
	return o, nil
}

// buildAnswer renders the SDP answer for o with media at ip:port.
func buildAnswer(o *offer, ip string, port int, sessionID uint64) ([]byte, error) {
	name := "PCMU"
	if o.PayloadType == PayloadPCMA {
		name = "PCMA"
	}
	formats := []string{strconv.Itoa(int(o.PayloadType))}
	attrs := []sdp.Attribute{
		{Key: "rtpmap", Value: fmt.Sprintf("%d %s/8000", o.PayloadType, name)},
	}
	if o.DTMFType >= 0 {
		formats = append(formats, strconv.Itoa(o.DTMFType))
		attrs = append(attrs,
			sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", o.DTMFType)},
			sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-15", o.DTMFType)},
		)
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.NewPropertyAttribute("sendrecv"),
	)

	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "tdmcore",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "tdmcore",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	return answer.Marshal()
}
