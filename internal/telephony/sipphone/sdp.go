package sipphone

import (
	"fmt"
	"time"
)

// buildSDP produces a minimal audio session description offering PCMU and
// PCMA with RFC 2833 telephone-event.
func buildSDP(host string, port int) []byte {
	if host == "" {
		host = "127.0.0.1"
	}
	sessID := time.Now().Unix()
	return []byte(fmt.Sprintf(
		"v=0\r\n"+
			"o=- %d %d IN IP4 %s\r\n"+
			"s=call\r\n"+
			"c=IN IP4 %s\r\n"+
			"t=0 0\r\n"+
			"m=audio %d RTP/AVP 0 8 101\r\n"+
			"a=rtpmap:0 PCMU/8000\r\n"+
			"a=rtpmap:8 PCMA/8000\r\n"+
			"a=rtpmap:101 telephone-event/8000\r\n"+
			"a=fmtp:101 0-16\r\n"+
			"a=sendrecv\r\n",
		sessID, sessID, host, host, port))
}
