package sipgw

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/tdmcore/internal/dsp"
)

func offerSDP(port int, formats string, rtpmaps ...string) []byte {
	body := "v=0\r\n" +
		"o=- 4242 4242 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n" +
		fmt.Sprintf("m=audio %d RTP/AVP %s\r\n", port, formats)
	for _, m := range rtpmaps {
		body += "a=rtpmap:" + m + "\r\n"
	}
	return []byte(body)
}

func TestParseOffer(t *testing.T) {
	o, err := parseOffer(offerSDP(30000, "0 8 101", "0 PCMU/8000", "8 PCMA/8000", "101 telephone-event/8000"))
	require.NoError(t, err)
	assert.Equal(t, PayloadPCMU, o.PayloadType)
	assert.Equal(t, dsp.CodecUlaw, o.Codec)
	assert.Equal(t, 101, o.DTMFType)
	assert.Equal(t, "127.0.0.1:30000", o.Remote.String())
}

func TestParseOfferKeepsOffererPreference(t *testing.T) {
	o, err := parseOffer(offerSDP(30000, "18 8 0", "18 G729/8000", "8 PCMA/8000"))
	require.NoError(t, err)
	assert.Equal(t, PayloadPCMA, o.PayloadType)
	assert.Equal(t, dsp.CodecAlaw, o.Codec)
	assert.Equal(t, -1, o.DTMFType)
}

func TestParseOfferMediaConnectionWins(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"c=IN IP4 192.0.2.7\r\n"
	o, err := parseOffer([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7:4000", o.Remote.String())
}

func TestParseOfferRejects(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"garbage", []byte("not sdp")},
		{"no g711", offerSDP(30000, "18", "18 G729/8000")},
		{"disabled stream", offerSDP(0, "0", "0 PCMU/8000")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseOffer(tt.body)
			assert.Error(t, err)
		})
	}

	_, err := parseOffer(offerSDP(30000, "18", "18 G729/8000"))
	assert.ErrorIs(t, err, ErrNoCommonCodec)
}

func TestBuildAnswer(t *testing.T) {
	o := &offer{PayloadType: PayloadPCMA, Codec: dsp.CodecAlaw, DTMFType: 101}
	body, err := buildAnswer(o, "198.51.100.4", 12000, 77)
	require.NoError(t, err)

	back, err := parseOffer(body)
	require.NoError(t, err)
	assert.Equal(t, PayloadPCMA, back.PayloadType)
	assert.Equal(t, 101, back.DTMFType)
	assert.Equal(t, "198.51.100.4:12000", back.Remote.String())
	assert.Contains(t, string(body), "a=sendrecv")
	assert.Contains(t, string(body), "a=ptime:20")
}
