package tcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/tsmada/interflow/connector"
	"github.com/tsmada/interflow/message"
)

// ackTimestamp formats MSH-7 of synthesized ACKs.
const ackTimestamp = "20060102150405"

// ControlID extracts MSH-10 from an HL7 message, or "" when absent.
func ControlID(hl7 string) string {
	var end = strings.IndexAny(hl7, "\r\n")
	if end < 0 {
		end = len(hl7)
	}
	var msh = hl7[:end]
	if !strings.HasPrefix(msh, "MSH") || len(msh) < 4 {
		return ""
	}

	// MSH-1 is the field separator itself, so MSH-10 is the ninth field
	// after the segment name.
	var sep = string(msh[3])
	var fields = strings.Split(msh, sep)
	if len(fields) < 10 {
		return ""
	}
	return fields[9]
}

// AckCode derives the HL7 acknowledgment code for a finished message:
// AR when the source filtered it, AE when the source errored or any
// destination errored, AA otherwise.
func AckCode(msg *message.Message) string {
	var src = msg.Source()
	if src != nil {
		switch src.Status {
		case message.Filtered:
			return "AR"
		case message.Error:
			return "AE"
		}
	}
	for _, cm := range msg.Destinations() {
		if cm.Status == message.Error {
			return "AE"
		}
	}
	return "AA"
}

// SynthesizeACK renders the acknowledgment for |msg| in reply to the inbound
// |inbound| payload, echoing its control id.
func SynthesizeACK(msg *message.Message, inbound string, now time.Time) string {
	return BuildACK(AckCode(msg), ControlID(inbound), now)
}

// BuildACK renders a minimal HL7 v2.5 acknowledgment.
func BuildACK(code, controlID string, now time.Time) string {
	return fmt.Sprintf(
		"MSH|^~\\&|MIRTH|MIRTH|MIRTH|MIRTH|%s||ACK|%s|P|2.5\rMSA|%s|%s|\r",
		now.Format(ackTimestamp), controlID, code, controlID)
}

// AckValidator inspects HL7 acknowledgment responses: an application accept
// (AA or CA in MSA-1) stays SENT, anything else is overridden to ERROR so
// the engine's retry and error handling apply. It implements
// connector.ResponseValidator.
type AckValidator struct{}

var _ connector.ResponseValidator = AckValidator{}

func (AckValidator) Validate(resp *message.Response, _ *message.ConnectorMessage) *message.Response {
	if resp == nil || resp.Message == "" {
		return nil
	}
	var code, text = parseMSA(resp.Message)
	if code == "" {
		// Not an HL7 acknowledgment; leave the response as the transport
		// reported it.
		return nil
	}

	switch code {
	case "AA", "CA":
		resp.Status = message.Sent
		resp.StatusMessage = "Message successfully acknowledged"
	default:
		resp.Status = message.Error
		if text == "" {
			text = fmt.Sprintf("NACK received from receiver (%s)", code)
		}
		resp.Error = text
		resp.StatusMessage = fmt.Sprintf("Receiver replied %s", code)
	}
	return resp
}

// parseMSA returns MSA-1 and MSA-3 of the first MSA segment, or "" when the
// payload carries none.
func parseMSA(hl7 string) (code, text string) {
	for _, seg := range strings.FieldsFunc(hl7, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if !strings.HasPrefix(seg, "MSA") || len(seg) < 4 {
			continue
		}
		var fields = strings.Split(seg, string(seg[3]))
		if len(fields) > 1 {
			code = fields[1]
		}
		if len(fields) > 3 {
			text = fields[3]
		}
		return code, text
	}
	return "", ""
}
