package engine

import (
	"fmt"

	"github.com/tsmada/interflow/message"
)

// ChannelConfig is the deployable definition of a channel: identity, scripts
// run at lifecycle and pipeline boundaries, storage behavior, and metadata
// columns. Connector-specific settings live with the connector configs.
type ChannelConfig struct {
	ID          string `yaml:"id" json:"id" xml:"id"`
	Name        string `yaml:"name" json:"name" xml:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty" xml:"description,omitempty"`
	Revision    int    `yaml:"revision,omitempty" json:"revision,omitempty" xml:"revision,omitempty"`

	// Disabled channels deploy (they're listed, their statistics load) but
	// are skipped by start-all.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty" xml:"disabled,omitempty"`
	// InitialState is the state start-all drives the channel to: STARTED
	// (default), PAUSED, or STOPPED.
	InitialState string `yaml:"initialState,omitempty" json:"initialState,omitempty" xml:"initialState,omitempty"`

	DeployScript        string `yaml:"deployScript,omitempty" json:"deployScript,omitempty" xml:"deployScript,omitempty"`
	UndeployScript      string `yaml:"undeployScript,omitempty" json:"undeployScript,omitempty" xml:"undeployScript,omitempty"`
	PreprocessorScript  string `yaml:"preprocessorScript,omitempty" json:"preprocessorScript,omitempty" xml:"preprocessorScript,omitempty"`
	PostprocessorScript string `yaml:"postprocessorScript,omitempty" json:"postprocessorScript,omitempty" xml:"postprocessorScript,omitempty"`

	// StorageMode selects the message-persistence preset. Empty means
	// DEVELOPMENT.
	StorageMode    string `yaml:"storageMode,omitempty" json:"storageMode,omitempty" xml:"storageMode,omitempty"`
	AllowNegatives bool   `yaml:"allowNegatives,omitempty" json:"allowNegatives,omitempty" xml:"allowNegatives,omitempty"`

	MetaDataColumns []message.MetaDataColumn `yaml:"metaDataColumns,omitempty" json:"metaDataColumns,omitempty" xml:"metaDataColumns>column,omitempty"`

	// AttachmentPattern, when set, extracts matching spans of inbound
	// payloads into the attachment table before the message is persisted.
	AttachmentPattern  string `yaml:"attachmentPattern,omitempty" json:"attachmentPattern,omitempty" xml:"attachmentPattern,omitempty"`
	AttachmentMimeType string `yaml:"attachmentMimeType,omitempty" json:"attachmentMimeType,omitempty" xml:"attachmentMimeType,omitempty"`
}

// StorageSettings resolves the configured mode into concrete flags.
func (c *ChannelConfig) StorageSettings() (message.StorageSettings, error) {
	var mode = message.Development
	if c.StorageMode != "" {
		var err error
		if mode, err = message.ParseStorageMode(c.StorageMode); err != nil {
			return message.StorageSettings{}, err
		}
	}
	return message.SettingsForMode(mode), nil
}

// Validate checks fields the engine depends on at deploy time.
func (c *ChannelConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("channel %s: name is required", c.ID)
	}
	if c.StorageMode != "" {
		if _, err := message.ParseStorageMode(c.StorageMode); err != nil {
			return fmt.Errorf("channel %s: %w", c.ID, err)
		}
	}
	switch c.InitialState {
	case "", "STARTED", "PAUSED", "STOPPED":
		// Pass.
	default:
		return fmt.Errorf("channel %s: invalid initial state %q", c.ID, c.InitialState)
	}
	for i := range c.MetaDataColumns {
		if err := c.MetaDataColumns[i].Validate(); err != nil {
			return fmt.Errorf("channel %s: %w", c.ID, err)
		}
	}
	return nil
}

// SourceConfig carries the engine-level settings of the source connector.
type SourceConfig struct {
	// RespondAfterProcessing makes Dispatch run the full pipeline before
	// returning. When false the message is queued after intake and the
	// pipeline runs on the source queue worker.
	RespondAfterProcessing bool `yaml:"respondAfterProcessing" json:"respondAfterProcessing" xml:"respondAfterProcessing"`

	// QueueBufferSize bounds the source queue when RespondAfterProcessing
	// is false. Zero means DefaultQueueBufferSize.
	QueueBufferSize int `yaml:"queueBufferSize,omitempty" json:"queueBufferSize,omitempty" xml:"queueBufferSize,omitempty"`

	FilterScript      string `yaml:"filterScript,omitempty" json:"filterScript,omitempty" xml:"filterScript,omitempty"`
	TransformerScript string `yaml:"transformerScript,omitempty" json:"transformerScript,omitempty" xml:"transformerScript,omitempty"`
}

// DestinationConfig carries the engine-level settings of one destination
// connector. MetaDataID must be unique per channel and 1 or greater.
type DestinationConfig struct {
	MetaDataID int    `yaml:"metaDataId" json:"metaDataId" xml:"metaDataId"`
	Name       string `yaml:"name" json:"name" xml:"name"`

	FilterScript              string `yaml:"filterScript,omitempty" json:"filterScript,omitempty" xml:"filterScript,omitempty"`
	TransformerScript         string `yaml:"transformerScript,omitempty" json:"transformerScript,omitempty" xml:"transformerScript,omitempty"`
	ResponseTransformerScript string `yaml:"responseTransformerScript,omitempty" json:"responseTransformerScript,omitempty" xml:"responseTransformerScript,omitempty"`

	// QueueEnabled diverts failed or always-queued sends to a connector
	// queue drained by a dedicated worker.
	QueueEnabled bool `yaml:"queueEnabled,omitempty" json:"queueEnabled,omitempty" xml:"queueEnabled,omitempty"`
	// QueueAlways enqueues every message instead of attempting a first
	// synchronous send. Implies QueueEnabled.
	QueueAlways bool `yaml:"queueAlways,omitempty" json:"queueAlways,omitempty" xml:"queueAlways,omitempty"`

	// RetryCount bounds send attempts by the queue worker. Zero retries
	// forever.
	RetryCount int `yaml:"retryCount,omitempty" json:"retryCount,omitempty" xml:"retryCount,omitempty"`
	// RetryIntervalMillis is the pause between queue attempts.
	RetryIntervalMillis int `yaml:"retryIntervalMillis,omitempty" json:"retryIntervalMillis,omitempty" xml:"retryIntervalMillis,omitempty"`
}

// Validate checks fields the engine depends on at deploy time.
func (c *DestinationConfig) Validate() error {
	if c.MetaDataID < 1 {
		return fmt.Errorf("destination %q: metaDataId must be 1 or greater", c.Name)
	}
	if c.Name == "" {
		return fmt.Errorf("destination %d: name is required", c.MetaDataID)
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("destination %q: retryCount may not be negative", c.Name)
	}
	return nil
}

const (
	// DefaultQueueBufferSize bounds the source queue of asynchronous
	// channels.
	DefaultQueueBufferSize = 1000
	// DefaultRetryIntervalMillis is the queue retry pause when the
	// destination doesn't set one.
	DefaultRetryIntervalMillis = 10000
)
