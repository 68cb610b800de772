package tcp

import (
	"fmt"
	"strings"

	"github.com/tsmada/interflow/message"
)

// ResolveTemplate substitutes ${var} tokens in |tmpl| from the connector
// message's variable maps, consulting the channel map, then the source map,
// then the connector map. The content built-ins message.encodedData,
// message.rawData and message.transformedData read the corresponding content
// slots. Unresolved tokens are left literal so that payloads which happen to
// contain ${...} pass through untouched.
func ResolveTemplate(tmpl string, cm *message.ConnectorMessage) string {
	if !strings.Contains(tmpl, "${") {
		return tmpl
	}

	var b strings.Builder
	b.Grow(len(tmpl))

	for {
		var i = strings.Index(tmpl, "${")
		if i < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		var j = strings.Index(tmpl[i:], "}")
		if j < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:i])

		var token = tmpl[i : i+j+1]
		var name = tmpl[i+2 : i+j]
		if value, ok := lookupVariable(name, cm); ok {
			b.WriteString(value)
		} else {
			b.WriteString(token)
		}
		tmpl = tmpl[i+j+1:]
	}
}

// lookupVariable resolves one token name against |cm|.
func lookupVariable(name string, cm *message.ConnectorMessage) (string, bool) {
	switch name {
	case "message.encodedData":
		return cm.ContentValue(message.Encoded), true
	case "message.rawData":
		return cm.ContentValue(message.Raw), true
	case "message.transformedData":
		return cm.ContentValue(message.TransformedContent), true
	}
	for _, m := range []map[string]any{cm.ChannelMap, cm.SourceMap, cm.ConnectorMap} {
		if v, ok := m[name]; ok {
			return fmt.Sprint(v), true
		}
	}
	return "", false
}
