package flag

import (
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/metalforge/metalforge/pkg/config"
)

func RegisterSSHFlags(fs *Set, c *config.SSHConfig) {
	fs.Register(SSHUser, ffval.NewValueDefault(&c.User, c.User))
	fs.Register(SSHPassword, ffval.NewValueDefault(&c.Password, c.Password))
	fs.Register(SSHKeyFile, ffval.NewValueDefault(&c.PrivateKeyFile, c.PrivateKeyFile))
	fs.Register(SSHPort, ffval.NewValueDefault(&c.Port, c.Port))
	fs.Register(SSHConnectTimeout, ffval.NewValueDefault(&c.ConnectTimeout, c.ConnectTimeout))
}

var SSHUser = Config{
	Name:  "ssh-user",
	Usage: "user for host OS inspection over SSH",
}

var SSHPassword = Config{
	Name:  "ssh-password",
	Usage: "SSH password, ignored when a key file is set",
}

var SSHKeyFile = Config{
	Name:  "ssh-key-file",
	Usage: "path of the SSH private key",
}

var SSHPort = Config{
	Name:  "ssh-port",
	Usage: "SSH port on the target host",
}

var SSHConnectTimeout = Config{
	Name:  "ssh-connect-timeout",
	Usage: "timeout for the SSH connection",
}
