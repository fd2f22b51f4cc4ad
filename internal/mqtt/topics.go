package mqtt

import "strings"

// Topic layout shared with the station firmware. Stations and lockers are
// addressed by callsign, sessions by id.
const (
	terminalInstructTopic = "stations/%s/instruct"
	lockerInstructTopic   = "lockers/%s/instruct"
	sessionNotifyTopic    = "sessions/%s/notify"

	terminalConfirmFilter = "stations/+/confirm"
	terminalReportFilter  = "stations/+/report"
	lockerConfirmFilter   = "lockers/+/confirm"
	lockerReportFilter    = "lockers/+/report"
)

// callsignFromTopic extracts the middle segment of a three-part topic such
// as stations/MUCODE/confirm. Returns false for anything else.
func callsignFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return "", false
	}
	callsign := strings.TrimSpace(parts[1])
	if callsign == "" {
		return "", false
	}
	return callsign, true
}
