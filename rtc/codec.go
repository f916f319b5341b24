package rtc

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// EncodeSDP encodes the given session description as JSON.
func EncodeSDP(sdp *webrtc.SessionDescription) (string, error) {
	if sdp == nil {
		return "", errors.New("no session description to encode")
	}
	md, err := json.Marshal(sdp)
	if err != nil {
		return "", err
	}
	return string(md), nil
}

// DecodeSDP decodes a JSON session description and checks that it is of the
// expected type.
func DecodeSDP(in string, expected webrtc.SDPType) (webrtc.SessionDescription, error) {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal([]byte(in), &sdp); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "malformed session description")
	}
	if sdp.Type != expected {
		return webrtc.SessionDescription{}, errors.Errorf("expected %s session description but got %q", expected, sdp.Type)
	}
	if sdp.SDP == "" {
		return webrtc.SessionDescription{}, errors.Errorf("empty %s session description", expected)
	}
	return sdp, nil
}

// EncodeICECandidate encodes the given candidate as JSON.
func EncodeICECandidate(candidate webrtc.ICECandidateInit) (string, error) {
	md, err := json.Marshal(candidate)
	if err != nil {
		return "", err
	}
	return string(md), nil
}

// DecodeICECandidate decodes a JSON candidate.
func DecodeICECandidate(in string) (webrtc.ICECandidateInit, error) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(in), &candidate); err != nil {
		return webrtc.ICECandidateInit{}, errors.Wrap(err, "malformed ICE candidate")
	}
	return candidate, nil
}
