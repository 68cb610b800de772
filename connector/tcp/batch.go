package tcp

import "strings"

// SplitHL7Batch subdivides one HL7 batch arrival into its individual
// messages, one per MSH segment. Batch envelope segments (FHS, BHS, BTS,
// FTS) are dropped; a payload with no MSH at all is returned whole so that
// non-batch traffic on a batch-enabled source still flows.
func SplitHL7Batch(payload string) []string {
	var segments = strings.FieldsFunc(payload, func(r rune) bool {
		return r == '\r' || r == '\n'
	})

	var out []string
	var current []string
	var flush = func() {
		if len(current) > 0 {
			out = append(out, strings.Join(current, "\r"))
			current = nil
		}
	}

	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		switch {
		case strings.HasPrefix(seg, "FHS") || strings.HasPrefix(seg, "BHS") ||
			strings.HasPrefix(seg, "BTS") || strings.HasPrefix(seg, "FTS"):
			continue
		case strings.HasPrefix(seg, "MSH"):
			flush()
			current = append(current, seg)
		default:
			current = append(current, seg)
		}
	}
	flush()

	if len(out) == 0 && strings.TrimSpace(payload) != "" {
		return []string{strings.TrimSpace(payload)}
	}
	return out
}
