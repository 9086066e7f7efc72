package config

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/e1732a364fed/ruci-go/stages/counter"
	"github.com/e1732a364fed/ruci-go/stages/h2"
	"github.com/e1732a364fed/ruci-go/stages/httpproxy"
	"github.com/e1732a364fed/ruci-go/stages/network"
	"github.com/e1732a364fed/ruci-go/stages/quicstage"
	"github.com/e1732a364fed/ruci-go/stages/socks5"
	"github.com/e1732a364fed/ruci-go/stages/stdio"
	"github.com/e1732a364fed/ruci-go/stages/tlsstage"
	"github.com/e1732a364fed/ruci-go/stages/trojan"
	"github.com/e1732a364fed/ruci-go/stages/wsstage"
	"gopkg.in/yaml.v3"
)

// StageSpec is one chain element's YAML form: a Kind discriminator plus
// the kind-specific parameter block, unmarshalled from a single YAML
// mapping such as:
//
//	- kind: socks5_server
//	  credentials: {alice: secret}
//	  support_udp: true
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs's
// InMapConfig/OutMapConfig enums (Rust's externally-tagged enum decode),
// restructured as a Kind-discriminator dispatch the way
// alexisbeaulieu97-Streamy/internal/config/types.go's Step.UnmarshalYAML
// dispatches on its own Type field into kind-specific inline structs.
type StageSpec struct {
	Kind string

	Listener        *ListenerSpec
	UDPListener     *UDPListenerSpec
	Dialer          *DialerSpec
	Direct          *struct{}
	Blackhole       *struct{}
	Echo            *struct{}
	Counter         *struct{}
	Adder           *AdderSpec
	Stdio           *StdioSpec
	FileIO          *FileIOSpec
	TLSClient       *TLSClientSpec
	TLSServer       *TLSServerSpec
	SOCKS5Client    *SOCKS5ClientSpec
	SOCKS5Server    *SOCKS5ServerSpec
	TrojanClient     *TrojanClientSpec
	TrojanServer     *TrojanServerSpec
	HTTPProxyClient  *HTTPProxyClientSpec
	HTTPProxyServer  *HTTPProxyServerSpec
	HTTPHeaderFilter *HTTPHeaderFilterSpec
	WSClient         *WSClientSpec
	WSServer         *WSServerSpec
	H2               *H2Spec
	QUICClient       *QUICClientSpec
	QUICServer       *QUICServerSpec
}

// ListenerSpec configures [network.NewListener]: a TCP/Unix accept loop
// that generates one sub-flow per accepted conn.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (InMapConfig::Listener{listen_addr, ext}).
type ListenerSpec struct {
	ListenAddr string `yaml:"listen_addr"`
}

// UDPListenerSpec configures [network.NewUDPFixedListener]: a fixed local
// UDP socket demultiplexed into one sub-flow per source peer.
type UDPListenerSpec struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DialerSpec configures [network.NewDialer]: an outbound TCP/UDP/Unix
// dial to a fixed target, overriding whatever target the inbound fold
// resolved.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (DialerConfig{bind_addr, dial_addr, auto_route, ext}); bind_addr/
// auto_route have no analogue in [network.NewDialer]'s signature (this
// module's Dialer always dials via [stage.Config.Dialer]) and are
// dropped rather than fabricated.
type DialerSpec struct {
	DialAddr string `yaml:"dial_addr"`
}

// AdderSpec configures [network.NewAdder], a byte-shifting test/demo
// stage with no Config dependency.
type AdderSpec struct {
	Add int8 `yaml:"add"`
}

// StdioSpec configures [stdio.NewStdio]: relays a flow over the
// process's stdin/stdout, optionally reporting a fixed target when the
// inbound fold does not resolve one of its own.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (InMapConfig::Stdio(ext), whose Ext.fixed_target_addr supplies the
// same fallback target).
type StdioSpec struct {
	Target string `yaml:"target,omitempty"`
}

// FileIOSpec configures [stdio.NewFileIO]: relays a flow over two plain
// files, optionally throttled.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (InMapConfig::Fileio(FileConfig{i, o, sleep_interval, bytes_per_turn,
// ext})); sleep_interval there is milliseconds, matching
// SleepIntervalMS below.
type FileIOSpec struct {
	InPath          string `yaml:"in"`
	OutPath         string `yaml:"out"`
	BytesPerTurn    int    `yaml:"bytes_per_turn,omitempty"`
	SleepIntervalMS int    `yaml:"sleep_interval_ms,omitempty"`
}

// TLSClientSpec configures [tlsstage.NewClient]: a TLS handshake over an
// already-dialed conn.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (TlsOut{host, insecure, alpn}).
type TLSClientSpec struct {
	ServerName         string   `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecure,omitempty"`
	ALPN               []string `yaml:"alpn,omitempty"`
}

// TLSServerSpec configures [tlsstage.NewServer]: a TLS handshake over an
// already-accepted conn, terminating with the given certificate.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (TlsIn{cert, key, alpn}).
type TLSServerSpec struct {
	CertFile string   `yaml:"cert"`
	KeyFile  string   `yaml:"key"`
	ALPN     []string `yaml:"alpn,omitempty"`
}

// SOCKS5ClientSpec configures [socks5.NewClient].
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (Socks5Out{userpass, early_data, ext}).
type SOCKS5ClientSpec struct {
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	UseEarlyData bool   `yaml:"early_data,omitempty"`
}

// SOCKS5ServerSpec configures [socks5.NewServer].
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (PlainTextSet{userpass, more}, reused across SOCKS5/Trojan/HTTP proxy
// server configs there; split out per-kind here since each Go
// constructor takes its own ServerConfig type).
type SOCKS5ServerSpec struct {
	Credentials map[string]string `yaml:"credentials,omitempty"`
	SupportUDP  bool              `yaml:"support_udp,omitempty"`
}

// TrojanClientSpec configures [trojan.NewClient], which takes a raw
// password rather than a config struct.
type TrojanClientSpec struct {
	Password string `yaml:"password"`
}

// TrojanServerSpec configures [trojan.NewServer].
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs
// (TrojanPassSet{password, more}).
type TrojanServerSpec struct {
	// Passwords maps a plaintext password to a username used for
	// logging and outbound.UserData.
	Passwords map[string]string `yaml:"passwords"`
}

// HTTPProxyClientSpec configures [httpproxy.NewClient].
type HTTPProxyClientSpec struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// HTTPProxyServerSpec configures [httpproxy.NewServer].
type HTTPProxyServerSpec struct {
	Credentials map[string]string `yaml:"credentials,omitempty"`
	OnlyConnect bool              `yaml:"only_connect,omitempty"`
}

// HTTPHeaderFilterSpec configures [httpproxy.NewHeaderFilter]: disguises
// a flow as an ordinary HTTP request/response pair.
type HTTPHeaderFilterSpec struct {
	Host         string            `yaml:"host,omitempty"`
	Path         string            `yaml:"path,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	UseEarlyData bool              `yaml:"early_data,omitempty"`
}

// WSClientSpec configures [wsstage.NewClient].
type WSClientSpec struct {
	URL      string   `yaml:"url"`
	Origin   string   `yaml:"origin,omitempty"`
	Protocol []string `yaml:"protocol,omitempty"`
}

// WSServerSpec configures [wsstage.NewServer].
type WSServerSpec struct {
	Path   string `yaml:"path,omitempty"`
	Origin string `yaml:"origin,omitempty"`
}

// H2Spec configures [h2.NewStage]'s Encode-only HTTP/2 disguise.
type H2Spec struct {
	Path   string `yaml:"path,omitempty"`
	Method string `yaml:"method,omitempty"`
}

// QUICClientSpec configures [quicstage.NewClient].
type QUICClientSpec struct {
	ServerName         string   `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecure,omitempty"`
	ALPN               []string `yaml:"alpn,omitempty"`
	MaxIdleTimeoutMS   int      `yaml:"max_idle_timeout_ms,omitempty"`
	KeepAlivePeriodMS  int      `yaml:"keep_alive_period_ms,omitempty"`
}

// QUICServerSpec configures [quicstage.NewServer].
type QUICServerSpec struct {
	ListenAddr         string   `yaml:"listen_addr"`
	CertFile           string   `yaml:"cert"`
	KeyFile            string   `yaml:"key"`
	ALPN               []string `yaml:"alpn,omitempty"`
	MaxIdleTimeoutMS   int      `yaml:"max_idle_timeout_ms,omitempty"`
	KeepAlivePeriodMS  int      `yaml:"keep_alive_period_ms,omitempty"`
}

// stageSpecRaw reads only a chain element's Kind discriminator;
// UnmarshalYAML switches on it to pick the kind-specific StageSpec field
// the whole mapping is then decoded into.
type stageSpecRaw struct {
	Kind string `yaml:"kind"`
}

// UnmarshalYAML decodes one chain element by first reading its Kind
// discriminator, then decoding the whole mapping again into the
// kind-specific struct named by Kind.
//
// Adapted from: alexisbeaulieu97-Streamy/internal/config/types.go
// (Step.UnmarshalYAML's discriminator-then-redecode pattern).
func (s *StageSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw stageSpecRaw
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Kind == "" {
		return fmt.Errorf("config: stage chain element missing required \"kind\" field")
	}
	s.Kind = raw.Kind

	switch raw.Kind {
	case "listener":
		s.Listener = new(ListenerSpec)
		return value.Decode(s.Listener)
	case "udp_listener":
		s.UDPListener = new(UDPListenerSpec)
		return value.Decode(s.UDPListener)
	case "dialer":
		s.Dialer = new(DialerSpec)
		return value.Decode(s.Dialer)
	case "direct":
		s.Direct = &struct{}{}
		return nil
	case "blackhole":
		s.Blackhole = &struct{}{}
		return nil
	case "echo":
		s.Echo = &struct{}{}
		return nil
	case "counter":
		s.Counter = &struct{}{}
		return nil
	case "adder":
		s.Adder = new(AdderSpec)
		return value.Decode(s.Adder)
	case "stdio":
		s.Stdio = new(StdioSpec)
		return value.Decode(s.Stdio)
	case "fileio":
		s.FileIO = new(FileIOSpec)
		return value.Decode(s.FileIO)
	case "tls_client":
		s.TLSClient = new(TLSClientSpec)
		return value.Decode(s.TLSClient)
	case "tls_server":
		s.TLSServer = new(TLSServerSpec)
		return value.Decode(s.TLSServer)
	case "socks5_client":
		s.SOCKS5Client = new(SOCKS5ClientSpec)
		return value.Decode(s.SOCKS5Client)
	case "socks5_server":
		s.SOCKS5Server = new(SOCKS5ServerSpec)
		return value.Decode(s.SOCKS5Server)
	case "trojan_client":
		s.TrojanClient = new(TrojanClientSpec)
		return value.Decode(s.TrojanClient)
	case "trojan_server":
		s.TrojanServer = new(TrojanServerSpec)
		return value.Decode(s.TrojanServer)
	case "httpproxy_client":
		s.HTTPProxyClient = new(HTTPProxyClientSpec)
		return value.Decode(s.HTTPProxyClient)
	case "httpproxy_server":
		s.HTTPProxyServer = new(HTTPProxyServerSpec)
		return value.Decode(s.HTTPProxyServer)
	case "http_header_filter":
		s.HTTPHeaderFilter = new(HTTPHeaderFilterSpec)
		return value.Decode(s.HTTPHeaderFilter)
	case "ws_client":
		s.WSClient = new(WSClientSpec)
		return value.Decode(s.WSClient)
	case "ws_server":
		s.WSServer = new(WSServerSpec)
		return value.Decode(s.WSServer)
	case "h2":
		s.H2 = new(H2Spec)
		return value.Decode(s.H2)
	case "quic_client":
		s.QUICClient = new(QUICClientSpec)
		return value.Decode(s.QUICClient)
	case "quic_server":
		s.QUICServer = new(QUICServerSpec)
		return value.Decode(s.QUICServer)
	default:
		return fmt.Errorf("config: unknown stage kind %q", raw.Kind)
	}
}

// buildMapper constructs the one [stage.Mapper] this spec describes,
// wiring it from the shared sc.
//
// Adapted from: original_source/rucimp/src/modes/chain/config/mod.rs's
// ToMapBox impls (one match arm per enum variant, each calling the
// matching ruci::map constructor).
func (s *StageSpec) buildMapper(sc *stage.Config) (stage.Mapper, error) {
	switch {
	case s.Listener != nil:
		target, err := addr.ParseURL(s.Listener.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("config: listener.listen_addr: %w", err)
		}
		return network.NewListener(sc, target), nil

	case s.UDPListener != nil:
		target, err := addr.ParseURL(s.UDPListener.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("config: udp_listener.listen_addr: %w", err)
		}
		return network.NewUDPFixedListener(sc, target), nil

	case s.Dialer != nil:
		target, err := addr.ParseURL(s.Dialer.DialAddr)
		if err != nil {
			return nil, fmt.Errorf("config: dialer.dial_addr: %w", err)
		}
		return network.NewDialer(sc, target), nil

	case s.Direct != nil:
		return network.NewDirect(sc), nil

	case s.Blackhole != nil:
		return network.Blackhole{}, nil

	case s.Echo != nil:
		return network.Echo{}, nil

	case s.Counter != nil:
		return counter.NewCounter(sc), nil

	case s.Adder != nil:
		return network.NewAdder(s.Adder.Add), nil

	case s.Stdio != nil:
		var target addr.Address
		hasTarget := s.Stdio.Target != ""
		if hasTarget {
			var err error
			target, err = addr.ParseURL(s.Stdio.Target)
			if err != nil {
				return nil, fmt.Errorf("config: stdio.target: %w", err)
			}
		}
		return stdio.NewStdio(sc, target, hasTarget), nil

	case s.FileIO != nil:
		return stdio.NewFileIO(sc, stdio.FileIOConfig{
			InPath:        s.FileIO.InPath,
			OutPath:       s.FileIO.OutPath,
			BytesPerTurn:  s.FileIO.BytesPerTurn,
			SleepInterval: time.Duration(s.FileIO.SleepIntervalMS) * time.Millisecond,
		}), nil

	case s.TLSClient != nil:
		return tlsstage.NewClient(sc, &tls.Config{
			ServerName:         s.TLSClient.ServerName,
			InsecureSkipVerify: s.TLSClient.InsecureSkipVerify,
			NextProtos:         s.TLSClient.ALPN,
		}), nil

	case s.TLSServer != nil:
		cert, err := tls.LoadX509KeyPair(s.TLSServer.CertFile, s.TLSServer.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: tls_server: %w", err)
		}
		return tlsstage.NewServer(sc, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   s.TLSServer.ALPN,
		}), nil

	case s.SOCKS5Client != nil:
		return socks5.NewClient(sc, socks5.ClientConfig{
			Username:     s.SOCKS5Client.Username,
			Password:     s.SOCKS5Client.Password,
			UseEarlyData: s.SOCKS5Client.UseEarlyData,
		}), nil

	case s.SOCKS5Server != nil:
		return socks5.NewServer(sc, socks5.ServerConfig{
			Credentials: s.SOCKS5Server.Credentials,
			SupportUDP:  s.SOCKS5Server.SupportUDP,
		}), nil

	case s.TrojanClient != nil:
		return trojan.NewClient(sc, s.TrojanClient.Password), nil

	case s.TrojanServer != nil:
		return trojan.NewServer(sc, trojan.ServerConfig{Passwords: s.TrojanServer.Passwords}), nil

	case s.HTTPProxyClient != nil:
		return httpproxy.NewClient(sc, httpproxy.ClientConfig{
			Username: s.HTTPProxyClient.Username,
			Password: s.HTTPProxyClient.Password,
		}), nil

	case s.HTTPProxyServer != nil:
		return httpproxy.NewServer(sc, httpproxy.ServerConfig{
			Credentials: s.HTTPProxyServer.Credentials,
			OnlyConnect: s.HTTPProxyServer.OnlyConnect,
		}), nil

	case s.HTTPHeaderFilter != nil:
		return httpproxy.NewHeaderFilter(sc, httpproxy.HeaderFilterConfig{
			Host:         s.HTTPHeaderFilter.Host,
			Path:         s.HTTPHeaderFilter.Path,
			Headers:      s.HTTPHeaderFilter.Headers,
			UseEarlyData: s.HTTPHeaderFilter.UseEarlyData,
		}), nil

	case s.WSClient != nil:
		return wsstage.NewClient(sc, wsstage.ClientConfig{
			URL:      s.WSClient.URL,
			Origin:   s.WSClient.Origin,
			Protocol: s.WSClient.Protocol,
		}), nil

	case s.WSServer != nil:
		return wsstage.NewServer(sc, wsstage.ServerConfig{
			Path:   s.WSServer.Path,
			Origin: s.WSServer.Origin,
		}), nil

	case s.H2 != nil:
		return h2.NewStage(sc, s.H2.Path, s.H2.Method), nil

	case s.QUICClient != nil:
		return quicstage.NewClient(sc, quicstage.ClientConfig{
			TLSConfig: &tls.Config{
				ServerName:         s.QUICClient.ServerName,
				InsecureSkipVerify: s.QUICClient.InsecureSkipVerify,
				NextProtos:         s.QUICClient.ALPN,
			},
			QUICConfig: &quicstage.Config{
				MaxIdleTimeout:  time.Duration(s.QUICClient.MaxIdleTimeoutMS) * time.Millisecond,
				KeepAlivePeriod: time.Duration(s.QUICClient.KeepAlivePeriodMS) * time.Millisecond,
			},
		}), nil

	case s.QUICServer != nil:
		cert, err := tls.LoadX509KeyPair(s.QUICServer.CertFile, s.QUICServer.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: quic_server: %w", err)
		}
		return quicstage.NewServer(sc, quicstage.ServerConfig{
			ListenAddr: s.QUICServer.ListenAddr,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				NextProtos:   s.QUICServer.ALPN,
			},
			QUICConfig: &quicstage.Config{
				MaxIdleTimeout:  time.Duration(s.QUICServer.MaxIdleTimeoutMS) * time.Millisecond,
				KeepAlivePeriod: time.Duration(s.QUICServer.KeepAlivePeriodMS) * time.Millisecond,
			},
		}), nil
	}

	return nil, fmt.Errorf("config: empty stage spec (kind %q)", s.Kind)
}
