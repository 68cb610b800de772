package tcp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// ResponseMode selects what a receiver writes back after dispatching a
// message.
type ResponseMode string

const (
	// RespondNone writes nothing back.
	RespondNone ResponseMode = "NONE"
	// RespondAuto synthesizes an HL7 ACK from the message outcome.
	RespondAuto ResponseMode = "AUTO"
	// RespondDestination propagates the first destination's response.
	RespondDestination ResponseMode = "DESTINATION"
)

// RespondOnNewConnection selects the socket a receiver response travels on.
type RespondOnNewConnection string

const (
	// RespondSameConnection writes the response on the inbound socket.
	RespondSameConnection RespondOnNewConnection = "DISABLED"
	// RespondNewConnection opens a fresh socket to the configured response
	// address for every response.
	RespondNewConnection RespondOnNewConnection = "NEW_CONNECTION"
	// RespondNewConnectionOnRecovery uses the inbound socket for live
	// traffic; the response address exists for responses which outlive
	// their socket.
	RespondNewConnectionOnRecovery RespondOnNewConnection = "NEW_CONNECTION_ON_RECOVERY"
)

// TLSSettings configure TLS (MLLPS) on either side of a TCP connector.
type TLSSettings struct {
	Enabled    bool   `yaml:"enabled,omitempty" json:"enabled,omitempty" xml:"enabled,omitempty"`
	CertFile   string `yaml:"certFile,omitempty" json:"certFile,omitempty" xml:"certFile,omitempty"`
	KeyFile    string `yaml:"keyFile,omitempty" json:"keyFile,omitempty" xml:"keyFile,omitempty"`
	CAFile     string `yaml:"caFile,omitempty" json:"caFile,omitempty" xml:"caFile,omitempty"`
	MinVersion string `yaml:"minVersion,omitempty" json:"minVersion,omitempty" xml:"minVersion,omitempty"`
	// ServerName overrides SNI / verification for outbound connections.
	ServerName string `yaml:"serverName,omitempty" json:"serverName,omitempty" xml:"serverName,omitempty"`
	// RequireClientCert enforces mTLS on inbound listeners.
	RequireClientCert bool `yaml:"requireClientCert,omitempty" json:"requireClientCert,omitempty" xml:"requireClientCert,omitempty"`
}

// tlsMinVersion maps the configured version name onto its constant,
// defaulting to TLS 1.2.
func tlsMinVersion(name string) (uint16, error) {
	switch name {
	case "", "1.2", "TLS1.2", "TLSv1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "TLSv1.3":
		return tls.VersionTLS13, nil
	case "1.1", "TLS1.1", "TLSv1.1":
		return tls.VersionTLS11, nil
	case "1.0", "TLS1.0", "TLSv1.0":
		return tls.VersionTLS10, nil
	default:
		return 0, fmt.Errorf("unknown TLS version %q", name)
	}
}

// ServerConfig builds the listener-side *tls.Config, or nil when disabled.
func (s TLSSettings) ServerConfig() (*tls.Config, error) {
	if !s.Enabled {
		return nil, nil
	}
	var cert, err = tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}
	minVersion, err := tlsMinVersion(s.MinVersion)
	if err != nil {
		return nil, err
	}

	var cfg = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}
	if s.CAFile != "" {
		pool, err := loadCertPool(s.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		if s.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return cfg, nil
}

// ClientConfig builds the dialer-side *tls.Config, or nil when disabled.
func (s TLSSettings) ClientConfig() (*tls.Config, error) {
	if !s.Enabled {
		return nil, nil
	}
	var minVersion, err = tlsMinVersion(s.MinVersion)
	if err != nil {
		return nil, err
	}
	var cfg = &tls.Config{
		MinVersion: minVersion,
		ServerName: s.ServerName,
	}
	if s.CAFile != "" {
		pool, err := loadCertPool(s.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if s.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	var pem, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	var pool = x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("CA file %s holds no certificates", path)
	}
	return pool, nil
}

// SourceSettings configure a TCP receiver.
type SourceSettings struct {
	// ServerMode binds and listens when true; otherwise the receiver
	// connects out to Host:Port and reads from that socket.
	ServerMode bool   `yaml:"serverMode" json:"serverMode" xml:"serverMode"`
	Host       string `yaml:"host" json:"host" xml:"host"`
	Port       int    `yaml:"port" json:"port" xml:"port"`

	TransmissionMode    TransmissionMode `yaml:"transmissionMode,omitempty" json:"transmissionMode,omitempty" xml:"transmissionMode,omitempty"`
	StartOfMessageBytes string           `yaml:"startOfMessageBytes,omitempty" json:"startOfMessageBytes,omitempty" xml:"startOfMessageBytes,omitempty"`
	EndOfMessageBytes   string           `yaml:"endOfMessageBytes,omitempty" json:"endOfMessageBytes,omitempty" xml:"endOfMessageBytes,omitempty"`
	DataType            string           `yaml:"dataType,omitempty" json:"dataType,omitempty" xml:"dataType,omitempty"`

	ReceiveTimeoutMillis int  `yaml:"receiveTimeoutMillis,omitempty" json:"receiveTimeoutMillis,omitempty" xml:"receiveTimeoutMillis,omitempty"`
	KeepConnectionOpen   bool `yaml:"keepConnectionOpen" json:"keepConnectionOpen" xml:"keepConnectionOpen"`
	MaxConnections       int  `yaml:"maxConnections,omitempty" json:"maxConnections,omitempty" xml:"maxConnections,omitempty"`
	BufferSize           int  `yaml:"bufferSize,omitempty" json:"bufferSize,omitempty" xml:"bufferSize,omitempty"`

	ResponseMode           ResponseMode           `yaml:"responseMode,omitempty" json:"responseMode,omitempty" xml:"responseMode,omitempty"`
	RespondOnNewConnection RespondOnNewConnection `yaml:"respondOnNewConnection,omitempty" json:"respondOnNewConnection,omitempty" xml:"respondOnNewConnection,omitempty"`
	ResponseAddress        string                 `yaml:"responseAddress,omitempty" json:"responseAddress,omitempty" xml:"responseAddress,omitempty"`
	ResponsePort           int                    `yaml:"responsePort,omitempty" json:"responsePort,omitempty" xml:"responsePort,omitempty"`

	ReconnectIntervalMillis int `yaml:"reconnectIntervalMillis,omitempty" json:"reconnectIntervalMillis,omitempty" xml:"reconnectIntervalMillis,omitempty"`
	BindRetryAttempts       int `yaml:"bindRetryAttempts,omitempty" json:"bindRetryAttempts,omitempty" xml:"bindRetryAttempts,omitempty"`
	BindRetryIntervalMillis int `yaml:"bindRetryIntervalMillis,omitempty" json:"bindRetryIntervalMillis,omitempty" xml:"bindRetryIntervalMillis,omitempty"`

	// BatchEnabled splits HL7 batch arrivals into one message per MSH.
	BatchEnabled bool `yaml:"batchEnabled,omitempty" json:"batchEnabled,omitempty" xml:"batchEnabled,omitempty"`

	TLS TLSSettings `yaml:"tls,omitempty" json:"tls,omitempty" xml:"tls,omitempty"`
}

// Defaults of SourceSettings fields left zero.
const (
	DefaultMaxConnections    = 10
	DefaultBufferSize        = 65536
	DefaultBindRetryAttempts = 3
	DefaultBindRetryInterval = 2 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

func (s *SourceSettings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d is out of range", s.Port)
	}
	if _, err := NewFramer(s.TransmissionMode, s.StartOfMessageBytes, s.EndOfMessageBytes); err != nil {
		return err
	}
	switch s.ResponseMode {
	case "", RespondNone, RespondAuto, RespondDestination:
		// Pass.
	default:
		return fmt.Errorf("unknown response mode %q", s.ResponseMode)
	}
	switch s.RespondOnNewConnection {
	case "", RespondSameConnection:
		// Pass.
	case RespondNewConnection, RespondNewConnectionOnRecovery:
		if s.ResponseAddress == "" || s.ResponsePort <= 0 {
			return fmt.Errorf("respondOnNewConnection %s requires responseAddress and responsePort", s.RespondOnNewConnection)
		}
	default:
		return fmt.Errorf("unknown respondOnNewConnection %q", s.RespondOnNewConnection)
	}
	return nil
}

func (s *SourceSettings) receiveTimeout() time.Duration {
	return time.Duration(s.ReceiveTimeoutMillis) * time.Millisecond
}

func (s *SourceSettings) reconnectInterval() time.Duration {
	if s.ReconnectIntervalMillis > 0 {
		return time.Duration(s.ReconnectIntervalMillis) * time.Millisecond
	}
	return DefaultReconnectInterval
}

func (s *SourceSettings) bindRetryAttempts() int {
	if s.BindRetryAttempts > 0 {
		return s.BindRetryAttempts
	}
	return DefaultBindRetryAttempts
}

func (s *SourceSettings) bindRetryInterval() time.Duration {
	if s.BindRetryIntervalMillis > 0 {
		return time.Duration(s.BindRetryIntervalMillis) * time.Millisecond
	}
	return DefaultBindRetryInterval
}

func (s *SourceSettings) maxConnections() int {
	if s.MaxConnections > 0 {
		return s.MaxConnections
	}
	return DefaultMaxConnections
}

func (s *SourceSettings) bufferSize() int {
	if s.BufferSize > 0 {
		return s.BufferSize
	}
	return DefaultBufferSize
}

// DestinationSettings configure a TCP dispatcher.
type DestinationSettings struct {
	Host string `yaml:"host" json:"host" xml:"host"`
	Port int    `yaml:"port" json:"port" xml:"port"`

	TransmissionMode    TransmissionMode `yaml:"transmissionMode,omitempty" json:"transmissionMode,omitempty" xml:"transmissionMode,omitempty"`
	StartOfMessageBytes string           `yaml:"startOfMessageBytes,omitempty" json:"startOfMessageBytes,omitempty" xml:"startOfMessageBytes,omitempty"`
	EndOfMessageBytes   string           `yaml:"endOfMessageBytes,omitempty" json:"endOfMessageBytes,omitempty" xml:"endOfMessageBytes,omitempty"`

	// Template is the outbound payload with ${var} tokens; empty sends the
	// encoded content.
	Template string `yaml:"template,omitempty" json:"template,omitempty" xml:"template,omitempty"`

	SendTimeoutMillis      int  `yaml:"sendTimeoutMillis,omitempty" json:"sendTimeoutMillis,omitempty" xml:"sendTimeoutMillis,omitempty"`
	ResponseTimeoutMillis  int  `yaml:"responseTimeoutMillis,omitempty" json:"responseTimeoutMillis,omitempty" xml:"responseTimeoutMillis,omitempty"`
	SocketTimeoutMillis    int  `yaml:"socketTimeoutMillis,omitempty" json:"socketTimeoutMillis,omitempty" xml:"socketTimeoutMillis,omitempty"`
	KeepConnectionOpen     bool `yaml:"keepConnectionOpen" json:"keepConnectionOpen" xml:"keepConnectionOpen"`
	CheckRemoteHost        bool `yaml:"checkRemoteHost,omitempty" json:"checkRemoteHost,omitempty" xml:"checkRemoteHost,omitempty"`
	IgnoreResponse         bool `yaml:"ignoreResponse,omitempty" json:"ignoreResponse,omitempty" xml:"ignoreResponse,omitempty"`
	QueueOnResponseTimeout bool `yaml:"queueOnResponseTimeout,omitempty" json:"queueOnResponseTimeout,omitempty" xml:"queueOnResponseTimeout,omitempty"`

	LocalAddress string `yaml:"localAddress,omitempty" json:"localAddress,omitempty" xml:"localAddress,omitempty"`
	LocalPort    int    `yaml:"localPort,omitempty" json:"localPort,omitempty" xml:"localPort,omitempty"`
	BufferSize   int    `yaml:"bufferSize,omitempty" json:"bufferSize,omitempty" xml:"bufferSize,omitempty"`

	TLS TLSSettings `yaml:"tls,omitempty" json:"tls,omitempty" xml:"tls,omitempty"`
}

const (
	DefaultSendTimeout     = 30 * time.Second
	DefaultResponseTimeout = 5 * time.Second
	DefaultSocketTimeout   = 10 * time.Second
)

func (s *DestinationSettings) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d is out of range", s.Port)
	}
	_, err := NewFramer(s.TransmissionMode, s.StartOfMessageBytes, s.EndOfMessageBytes)
	return err
}

func (s *DestinationSettings) sendTimeout() time.Duration {
	if s.SendTimeoutMillis > 0 {
		return time.Duration(s.SendTimeoutMillis) * time.Millisecond
	}
	return DefaultSendTimeout
}

func (s *DestinationSettings) responseTimeout() time.Duration {
	if s.ResponseTimeoutMillis > 0 {
		return time.Duration(s.ResponseTimeoutMillis) * time.Millisecond
	}
	return DefaultResponseTimeout
}

func (s *DestinationSettings) socketTimeout() time.Duration {
	if s.SocketTimeoutMillis > 0 {
		return time.Duration(s.SocketTimeoutMillis) * time.Millisecond
	}
	return DefaultSocketTimeout
}
