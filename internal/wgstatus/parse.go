// parse.go converts `wg show` textual output into PeerFacts.
//
// The handshake timestamp is the noisy part: depending on wg version and
// invocation it appears as an epoch timestamp, a bare seconds count, a human
// "X minutes, Y seconds ago" phrase, or an absolute local timestamp. The
// strategies in handshakeStrategies are tried in order; when none of them
// match, the field is treated as evidence absent rather than as a disconnect.

package wgstatus

import (
	"strconv"
	"strings"
	"time"
)

// handshakeStrategy attempts one textual encoding of the handshake field.
// ok is false when the strategy does not recognize the input.
type handshakeStrategy func(s string, now time.Time) (age time.Duration, ok bool)

var handshakeStrategies = []handshakeStrategy{
	parseEpochSeconds,
	parseRelativeSeconds,
	parseHumanAge,
	parseAbsoluteTime,
}

// ParseShowOutput parses `wg show <interface>` output into per-peer facts.
// Unrecognized lines and unparsable fields are skipped; a peer with no usable
// handshake field is reported with HasHandshake=false.
func ParseShowOutput(out string, now time.Time) map[string]PeerFacts {
	facts := make(map[string]PeerFacts)
	var current *PeerFacts

	flush := func() {
		if current != nil && current.PublicKey != "" {
			facts[current.PublicKey] = *current
		}
	}

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if key, ok := strings.CutPrefix(line, "peer:"); ok {
			flush()
			current = &PeerFacts{PublicKey: strings.TrimSpace(key)}
			continue
		}
		if current == nil {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)

		switch field {
		case "latest handshake":
			if age, ok := ParseHandshakeAge(value, now); ok {
				current.HandshakeAge = age
				current.HasHandshake = true
			}
		case "transfer":
			rx, tx := parseTransfer(value)
			current.RxBytes = rx
			current.TxBytes = tx
		case "endpoint":
			current.Endpoint = value
		}
	}
	flush()

	return facts
}

// ParseHandshakeAge tries each handshake encoding strategy in order and
// returns the elapsed time since the last handshake. ok is false when no
// strategy recognized the input: evidence absent, never a disconnect.
func ParseHandshakeAge(s string, now time.Time) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" || s == "(none)" {
		return 0, false
	}
	for _, strategy := range handshakeStrategies {
		if age, ok := strategy(s, now); ok {
			if age < 0 {
				age = 0
			}
			return age, true
		}
	}
	return 0, false
}

// parseEpochSeconds handles `wg show dump` style epoch timestamps.
func parseEpochSeconds(s string, now time.Time) (time.Duration, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1_000_000_000 {
		return 0, false
	}
	return now.Sub(time.Unix(n, 0)), true
}

// parseRelativeSeconds handles a bare seconds-ago count.
func parseRelativeSeconds(s string, _ time.Time) (time.Duration, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

var humanUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// parseHumanAge handles the default wg phrasing, e.g.
// "1 hour, 2 minutes, 30 seconds ago" or "Now".
func parseHumanAge(s string, _ time.Time) (time.Duration, bool) {
	if strings.EqualFold(s, "now") {
		return 0, true
	}
	trimmed, hadAgo := strings.CutSuffix(s, " ago")
	if !hadAgo {
		return 0, false
	}

	var total time.Duration
	matched := false
	for _, part := range strings.Split(trimmed, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) != 2 {
			return 0, false
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		unit := strings.TrimSuffix(strings.ToLower(fields[1]), "s")
		d, ok := humanUnits[unit]
		if !ok {
			return 0, false
		}
		total += time.Duration(n) * d
		matched = true
	}
	return total, matched
}

// parseAbsoluteTime handles an absolute local timestamp, as emitted by some
// wrapped tooling ("2024-03-01 12:34:56").
func parseAbsoluteTime(s string, now time.Time) (time.Duration, bool) {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, now.Location())
	if err != nil {
		return 0, false
	}
	return now.Sub(t), true
}

var transferUnits = map[string]int64{
	"b":   1,
	"kib": 1 << 10,
	"mib": 1 << 20,
	"gib": 1 << 30,
	"tib": 1 << 40,
}

// parseTransfer parses "1.25 MiB received, 2.53 GiB sent" into byte counts.
// Unparsable halves yield zero; byte counters are advisory evidence only.
func parseTransfer(s string) (rx, tx int64) {
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) != 3 {
			continue
		}
		val, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		mult, ok := transferUnits[strings.ToLower(fields[1])]
		if !ok {
			continue
		}
		bytes := int64(val * float64(mult))
		switch fields[2] {
		case "received":
			rx = bytes
		case "sent":
			tx = bytes
		}
	}
	return rx, tx
}
