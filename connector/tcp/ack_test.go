package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsmada/interflow/message"
)

const sampleADT = "MSH|^~\\&|A|B|C|D|20260101||ADT^A01|42|P|2.5"

func TestControlID(t *testing.T) {
	require.Equal(t, "42", ControlID(sampleADT))
	require.Equal(t, "42", ControlID(sampleADT+"\rPID|1||12345"))
	require.Equal(t, "", ControlID("PID|1||12345"))
	require.Equal(t, "", ControlID("MSH|^~\\&|A|B"))
	require.Equal(t, "", ControlID(""))
}

func TestBuildACKFormat(t *testing.T) {
	var ts = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var ack = BuildACK("AA", "42", ts)
	require.Equal(t,
		"MSH|^~\\&|MIRTH|MIRTH|MIRTH|MIRTH|20260102030405||ACK|42|P|2.5\rMSA|AA|42|\r",
		ack)
}

func buildOutcome(srcStatus message.Status, destStatuses ...message.Status) *message.Message {
	var msg = message.NewMessage(1, "server-a", "ch", time.Now())
	var src = message.NewConnectorMessage("ch", "Ch", 1, 0, "server-a")
	src.Status = srcStatus
	msg.AddConnectorMessage(src)
	for i, st := range destStatuses {
		var cm = src.CloneForDestination(i+1, "Dst")
		cm.Status = st
		msg.AddConnectorMessage(cm)
	}
	return msg
}

func TestAckCode(t *testing.T) {
	require.Equal(t, "AA", AckCode(buildOutcome(message.Transformed, message.Sent)))
	require.Equal(t, "AA", AckCode(buildOutcome(message.Transformed, message.Sent, message.Filtered)))
	require.Equal(t, "AE", AckCode(buildOutcome(message.Transformed, message.Sent, message.Error)))
	require.Equal(t, "AE", AckCode(buildOutcome(message.Error)))
	require.Equal(t, "AR", AckCode(buildOutcome(message.Filtered)))
}

func TestAckValidator(t *testing.T) {
	var v AckValidator

	var accept = message.NewResponse(message.Sent, "MSH|^~\\&|X\rMSA|AA|42|")
	var out = v.Validate(accept, nil)
	require.NotNil(t, out)
	require.Equal(t, message.Sent, out.Status)

	var reject = message.NewResponse(message.Sent, "MSH|^~\\&|X\rMSA|AE|42|Segment error")
	out = v.Validate(reject, nil)
	require.NotNil(t, out)
	require.Equal(t, message.Error, out.Status)
	require.Equal(t, "Segment error", out.Error)

	// Non-HL7 responses pass through untouched.
	require.Nil(t, v.Validate(message.NewResponse(message.Sent, "OK"), nil))
	require.Nil(t, v.Validate(nil, nil))
}
