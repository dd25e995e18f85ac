package p8

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/titanous/json5"
)

// Config is the shared configuration of the edge, proxy and handler
// components. Socket specs may use {libdir}, {rundir} and {ipc_prefix}
// placeholders, and tcp specs are rewritten by PortOffset.
type Config struct {
	LibDir  string `json:"libdir"`
	RunDir  string `json:"rundir"`
	LogDir  string `json:"logdir"`
	RoutesFile string `json:"routes"`

	IpcPrefix  string `json:"ipc_prefix"`
	PortOffset int    `json:"port_offset"`

	// edge adapter <-> external web server
	M2InSpecs      []string `json:"m2_in_specs"`
	M2OutSpecs     []string `json:"m2_out_specs"`
	M2ControlSpecs []string `json:"m2_control_specs"`

	// edge adapter <-> proxy
	ZClientOut       string `json:"zclient_out"`
	ZClientOutStream string `json:"zclient_out_stream"`
	ZClientIn        string `json:"zclient_in"`

	// proxy <-> origin servers
	ZServerOut       string `json:"zserver_out"`
	ZServerOutStream string `json:"zserver_out_stream"`
	ZServerIn        string `json:"zserver_in"`

	// proxy <-> handler
	AcceptSpec string `json:"accept_spec"`
	RetrySpec  string `json:"retry_spec"`

	// handler -> edge, for handed-off sessions
	HandlerOut string `json:"handler_out"`

	// publish intake and stats
	PushInSpec    string `json:"push_in_spec"`
	PushInSubSpec string `json:"push_in_sub_spec"`
	StatsSpec     string `json:"stats_spec"`

	// direct front server
	FrontAddr string `json:"front_addr"`

	SessionBufferSize int  `json:"session_buffer_size"`
	Debug             bool `json:"debug"`

	SigIss string `json:"sig_iss"`
	SigKey string `json:"sig_key"`
	UpstreamKey string `json:"upstream_key"`
}

// DefaultConfig returns a config wired for a single-machine ipc layout.
func DefaultConfig() *Config {
	return &Config{
		RunDir:            "run",
		ZClientOut:        "ipc://{ipc_prefix}client-out",
		ZClientOutStream:  "ipc://{ipc_prefix}client-out-stream",
		ZClientIn:         "ipc://{ipc_prefix}client-in",
		ZServerOut:        "ipc://{ipc_prefix}server-out",
		ZServerOutStream:  "ipc://{ipc_prefix}server-out-stream",
		ZServerIn:         "ipc://{ipc_prefix}server-in",
		AcceptSpec:        "ipc://{ipc_prefix}accept",
		RetrySpec:         "ipc://{ipc_prefix}retry",
		HandlerOut:        "ipc://{ipc_prefix}handler-out",
		PushInSpec:        "tcp://*:5560",
		PushInSubSpec:     "tcp://*:5562",
		StatsSpec:         "ipc://{ipc_prefix}stats",
		IpcPrefix:         "p8-",
		SessionBufferSize: ClientBufferSize,
	}
}

// LoadConfig reads a JSON5 config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := json5.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return c, nil
}

// ResolveSpec interpolates placeholders and applies the port offset to
// a socket spec.
func (c *Config) ResolveSpec(spec string) string {
	spec = strings.ReplaceAll(spec, "{libdir}", c.LibDir)
	spec = strings.ReplaceAll(spec, "{rundir}", c.RunDir)
	spec = strings.ReplaceAll(spec, "{ipc_prefix}", c.IpcPrefix)

	if c.PortOffset != 0 && strings.HasPrefix(spec, "tcp://") {
		if i := strings.LastIndexByte(spec, ':'); i > len("tcp:") {
			if port, err := strconv.Atoi(spec[i+1:]); err == nil {
				spec = spec[:i+1] + strconv.Itoa(port+c.PortOffset)
			}
		}
	}
	return spec
}
