package mcp

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors. Must be unique.
	Name string `yaml:"name"`

	Transport Transport `yaml:"transport"`

	// Command is the executable and its arguments, split on whitespace.
	// Used with [TransportStdio].
	Command string `yaml:"command"`

	// URL is the endpoint for [TransportStreamableHTTP].
	URL string `yaml:"url"`

	// Env holds extra environment variables for a stdio server process.
	Env map[string]string `yaml:"env"`
}
