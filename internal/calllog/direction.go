package calllog

import "strings"

// clientPrefix marks from-addresses that belong to a softphone client
// rather than a PSTN number.
const clientPrefix = "client:"

// ClassifyDirection infers a call's direction from its from-address, for
// records whose provider direction field is blank: calls placed by the
// registered caller id or by any client address left the device, anything
// else arrived at it.
func ClassifyDirection(from, callerID string) string {
	if callerID != "" && from == callerID {
		return DirectionOutgoing
	}
	if strings.HasPrefix(from, clientPrefix) {
		return DirectionOutgoing
	}
	return DirectionIncoming
}
