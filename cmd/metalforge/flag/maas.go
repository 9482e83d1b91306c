package flag

import (
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/metalforge/metalforge/pkg/config"
	urlval "github.com/metalforge/metalforge/pkg/flag/url"
)

func RegisterMaaSFlags(fs *Set, c *config.MaaSConfig) {
	fs.Register(MaaSEndpoint, urlval.New(&c.Endpoint))
	fs.Register(MaaSAPIKey, ffval.NewValueDefault(&c.APIKey, c.APIKey))
	fs.Register(MaaSTripAfter, ffval.NewValueDefault(&c.TripAfter, c.TripAfter))
	fs.Register(MaaSOpenFor, ffval.NewValueDefault(&c.OpenFor, c.OpenFor))
}

var MaaSEndpoint = Config{
	Name:  "maas-endpoint",
	Usage: "MaaS region root, e.g. http://maas.example.com:5240/MAAS; empty runs without MaaS",
}

var MaaSAPIKey = Config{
	Name:  "maas-api-key",
	Usage: "MaaS API key as consumer:token:secret",
}

var MaaSTripAfter = Config{
	Name:  "maas-trip-after",
	Usage: "consecutive MaaS failures that open the circuit breaker",
}

var MaaSOpenFor = Config{
	Name:  "maas-open-for",
	Usage: "how long the MaaS circuit breaker stays open before probing again",
}
