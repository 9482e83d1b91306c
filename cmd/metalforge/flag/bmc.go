package flag

import (
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/metalforge/metalforge/pkg/config"
)

func RegisterBMCFlags(fs *Set, c *config.BMCConfig) {
	fs.Register(BMCUsername, ffval.NewValueDefault(&c.Username, c.Username))
	fs.Register(BMCPassword, ffval.NewValueDefault(&c.Password, c.Password))
	fs.Register(BMCRedfishPort, ffval.NewValueDefault(&c.RedfishPort, c.RedfishPort))
	fs.Register(BMCConnectTimeout, ffval.NewValueDefault(&c.ConnectTimeout, c.ConnectTimeout))
	fs.Register(BMCHTTPProxy, ffval.NewValueDefault(&c.HTTPProxy, c.HTTPProxy))
	fs.Register(BMCInsecureTLS, ffval.NewValueDefault(&c.InsecureTLS, c.InsecureTLS))
}

var BMCUsername = Config{
	Name:  "bmc-username",
	Usage: "management controller username",
}

var BMCPassword = Config{
	Name:  "bmc-password",
	Usage: "management controller password, prefer METALFORGE__BMC__PASSWORD over the flag",
}

var BMCRedfishPort = Config{
	Name:  "bmc-redfish-port",
	Usage: "Redfish port on the management controller, 0 uses the provider default",
}

var BMCConnectTimeout = Config{
	Name:  "bmc-connect-timeout",
	Usage: "timeout for BMC connection",
}

var BMCHTTPProxy = Config{
	Name:  "bmc-http-proxy",
	Usage: "HTTP proxy URL for Redfish traffic",
}

var BMCInsecureTLS = Config{
	Name:  "bmc-insecure-tls",
	Usage: "skip TLS verification against the management controller",
}
