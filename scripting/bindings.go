package scripting

import (
	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/message"
)

// Bindings builds the evaluation environment for a script run against |cm|.
// Scripts read the working payload as msg, address the four variable maps
// directly, and mutate them through the set* helpers (map writes are
// side-effecting function calls at the script level).
func Bindings(cm *message.ConnectorMessage, payload string) map[string]any {
	var b = map[string]any{
		"msg":           payload,
		"channelId":     cm.ChannelID,
		"channelName":   cm.ChannelName,
		"messageId":     cm.MessageID,
		"metaDataId":    cm.MetaDataID,
		"connectorName": cm.ConnectorName,

		"sourceMap":    cm.SourceMap,
		"channelMap":   cm.ChannelMap,
		"connectorMap": cm.ConnectorMap,
		"responseMap":  cm.ResponseMap,

		"setChannelMap": func(k string, v any) any {
			cm.ChannelMap[k] = v
			return v
		},
		"setConnectorMap": func(k string, v any) any {
			cm.ConnectorMap[k] = v
			return v
		},
		"setResponseMap": func(k string, v any) any {
			cm.ResponseMap[k] = v
			return v
		},

		"logInfo": func(text string) bool {
			log.WithFields(log.Fields{
				"channel":   cm.ChannelID,
				"messageId": cm.MessageID,
			}).Info(text)
			return true
		},
		"logError": func(text string) bool {
			log.WithFields(log.Fields{
				"channel":   cm.ChannelID,
				"messageId": cm.MessageID,
			}).Error(text)
			return true
		},
	}
	return b
}

// With extends |bindings| in place with |extra| and returns it.
func With(bindings map[string]any, extra map[string]any) map[string]any {
	for k, v := range extra {
		bindings[k] = v
	}
	return bindings
}
