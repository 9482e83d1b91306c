package flag

import (
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/metalforge/metalforge/pkg/config"
	urlval "github.com/metalforge/metalforge/pkg/flag/url"
)

func RegisterRelayFlags(fs *Set, c *config.NATSConfig) {
	fs.Register(NATSURL, urlval.New(&c.URL))
	fs.Register(NATSStream, ffval.NewValueDefault(&c.Stream, c.Stream))
}

func RegisterOtelFlags(fs *Set, c *config.OtelConfig) {
	fs.Register(OtelEndpoint, ffval.NewValueDefault(&c.Endpoint, c.Endpoint))
	fs.Register(OtelInsecure, ffval.NewValueDefault(&c.Insecure, c.Insecure))
}

var NATSURL = Config{
	Name:  "nats-url",
	Usage: "NATS server URL for the progress relay, e.g. nats://broker:4222; empty disables the relay",
}

var NATSStream = Config{
	Name:  "nats-stream",
	Usage: "subject namespace events are relayed under",
}

var OtelEndpoint = Config{
	Name:  "otel-endpoint",
	Usage: "OTLP gRPC collector host:port for traces; empty disables export",
}

var OtelInsecure = Config{
	Name:  "otel-insecure",
	Usage: "plaintext OTLP instead of TLS",
}
