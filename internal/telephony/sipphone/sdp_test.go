package sipphone

import (
	"strings"
	"testing"
)

func TestBuildSDP(t *testing.T) {
	sdp := string(buildSDP("192.0.2.10", 14000))

	for _, want := range []string{
		"v=0\r\n",
		"c=IN IP4 192.0.2.10\r\n",
		"m=audio 14000 RTP/AVP 0 8 101\r\n",
		"a=rtpmap:0 PCMU/8000\r\n",
		"a=rtpmap:101 telephone-event/8000\r\n",
		"a=sendrecv\r\n",
	} {
		if !strings.Contains(sdp, want) {
			t.Errorf("sdp missing %q:\n%s", want, sdp)
		}
	}
}

func TestBuildSDPDefaultHost(t *testing.T) {
	sdp := string(buildSDP("", 14000))
	if !strings.Contains(sdp, "c=IN IP4 127.0.0.1\r\n") {
		t.Errorf("sdp missing loopback connection line:\n%s", sdp)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Domain: "sip.example.com"}.withDefaults()

	if cfg.ListenAddr != "0.0.0.0:5060" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Port != 5060 || cfg.Transport != "udp" {
		t.Errorf("Port, Transport = %d, %q", cfg.Port, cfg.Transport)
	}
	if cfg.RegisterExpiry != 600 {
		t.Errorf("RegisterExpiry = %d", cfg.RegisterExpiry)
	}
	if cfg.MediaPort != 10000 {
		t.Errorf("MediaPort = %d", cfg.MediaPort)
	}
}
