package message

import "fmt"

// ContentType identifies one typed content slot of a ConnectorMessage. The
// numeric values are persisted in content rows and must never be renumbered.
type ContentType int

const (
	Raw                 ContentType = 1
	ProcessedRaw        ContentType = 2
	TransformedContent  ContentType = 3
	Encoded             ContentType = 4
	SentContent         ContentType = 5
	ResponseContent     ContentType = 6
	ResponseTransformed ContentType = 7
	ProcessedResponse   ContentType = 8
	ConnectorMapContent ContentType = 9
	ChannelMapContent   ContentType = 10
	ResponseMapContent  ContentType = 11
	ProcessingErrorContent    ContentType = 12
	PostprocessorErrorContent ContentType = 13
	ResponseErrorContent      ContentType = 14
	SourceMapContent          ContentType = 15
)

var contentTypeNames = map[ContentType]string{
	Raw:                       "RAW",
	ProcessedRaw:              "PROCESSED_RAW",
	TransformedContent:        "TRANSFORMED",
	Encoded:                   "ENCODED",
	SentContent:               "SENT",
	ResponseContent:           "RESPONSE",
	ResponseTransformed:       "RESPONSE_TRANSFORMED",
	ProcessedResponse:         "PROCESSED_RESPONSE",
	ConnectorMapContent:       "CONNECTOR_MAP",
	ChannelMapContent:         "CHANNEL_MAP",
	ResponseMapContent:        "RESPONSE_MAP",
	ProcessingErrorContent:    "PROCESSING_ERROR",
	PostprocessorErrorContent: "POSTPROCESSOR_ERROR",
	ResponseErrorContent:      "RESPONSE_ERROR",
	SourceMapContent:          "SOURCE_MAP",
}

func (t ContentType) String() string {
	if n, ok := contentTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ContentType(%d)", int(t))
}

// Content is the value held by one content slot: the content itself, the
// declared data type of the payload (eg "HL7V2", "RAW", "JSON"), and whether
// the stored value is encrypted at rest.
type Content struct {
	Value     string
	DataType  string
	Encrypted bool
}
