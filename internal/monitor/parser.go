package monitor

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// timeLocalLayout is the nginx $time_local format.
const timeLocalLayout = "02/Jan/2006:15:04:05 -0700"

var errMalformed = errors.New("malformed access log line")

// routeRe matches the two static-server routes a tunnel serves under:
// /files/<id>/... (courtesy page assets) and /download-file/<id>/... (the
// attachment itself).
var routeRe = regexp.MustCompile(`^/(files|download-file)/([a-f0-9]{8})(?:/|$)`)

// accessEvent is one parsed line of the static server's access log.
type accessEvent struct {
	Time      time.Time
	Remote    string
	Method    string
	Path      string
	Status    int
	BodyBytes int64
	RequestID string

	// TunnelID is set when the path belongs to a tunnel route; Download
	// distinguishes the attachment route from the courtesy route.
	TunnelID string
	Download bool
}

// parseLine parses the static server's log format:
//
//	<remote> - - [<time_local>] "<method> <uri> HTTP/x.y" <status> <bytes_sent> <body_bytes_sent> "<ua>" <request_time> <request_id>
func parseLine(line string) (accessEvent, error) {
	var ev accessEvent

	remote, rest, ok := strings.Cut(line, " ")
	if !ok || remote == "" {
		return ev, errMalformed
	}
	ev.Remote = remote

	_, rest, ok = strings.Cut(rest, "[")
	if !ok {
		return ev, errMalformed
	}
	stamp, rest, ok := strings.Cut(rest, "]")
	if !ok {
		return ev, errMalformed
	}
	ts, err := time.Parse(timeLocalLayout, stamp)
	if err != nil {
		return ev, errMalformed
	}
	ev.Time = ts.UTC()

	_, rest, ok = strings.Cut(rest, `"`)
	if !ok {
		return ev, errMalformed
	}
	reqLine, rest, ok := strings.Cut(rest, `"`)
	if !ok {
		return ev, errMalformed
	}
	reqParts := strings.Fields(reqLine)
	if len(reqParts) < 2 {
		return ev, errMalformed
	}
	ev.Method = reqParts[0]
	uri := reqParts[1]
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	ev.Path = uri

	// status, bytes_sent, body_bytes_sent
	rest = strings.TrimSpace(rest)
	statusStr, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return ev, errMalformed
	}
	ev.Status, err = strconv.Atoi(statusStr)
	if err != nil {
		return ev, errMalformed
	}
	_, rest, ok = strings.Cut(rest, " ") // total bytes_sent, headers included
	if !ok {
		return ev, errMalformed
	}
	bodyStr, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return ev, errMalformed
	}
	if bodyStr != "-" {
		ev.BodyBytes, err = strconv.ParseInt(bodyStr, 10, 64)
		if err != nil || ev.BodyBytes < 0 {
			return ev, errMalformed
		}
	}

	// Skip the quoted user agent, then take request_time and request_id.
	_, rest, ok = strings.Cut(rest, `"`)
	if !ok {
		return ev, errMalformed
	}
	_, rest, ok = strings.Cut(rest, `"`)
	if !ok {
		return ev, errMalformed
	}
	tail := strings.Fields(rest)
	if len(tail) < 2 {
		return ev, errMalformed
	}
	ev.RequestID = tail[1]

	if m := routeRe.FindStringSubmatch(ev.Path); m != nil {
		ev.TunnelID = m[2]
		ev.Download = m[1] == "download-file"
	}
	return ev, nil
}
