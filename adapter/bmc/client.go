// Package bmc implements adapter.BMC on bmclib. A ClientFunc builds and
// opens the underlying bmclib client so tests can swap in a registry of
// fake providers; Conn adapts the opened client to the capability contract
// and maps provider errors into faults kinds.
package bmc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/bmc-toolbox/bmclib/v2"
	"github.com/ccoveille/go-safecast/v2"
	"github.com/go-logr/logr"
	"golang.org/x/net/publicsuffix"
)

// DefaultConnectTimeout bounds probing for a compatible provider.
const DefaultConnectTimeout = 30 * time.Second

// ClientFunc returns an opened bmclib.Client for one BMC.
type ClientFunc func(ctx context.Context, log logr.Logger, host, username, password string, opts *Options) (*bmclib.Client, error)

// Options tunes the provider drivers for one endpoint. The zero value uses
// bmclib defaults.
type Options struct {
	// PreferredOrder reorders driver probing, e.g. ["gofish", "ipmitool"].
	PreferredOrder []string

	RedfishPort         int
	RedfishUseBasicAuth bool
	RedfishSystemName   string

	IpmitoolPort        int
	IpmitoolCipherSuite string

	AMTPort       int
	AMTHostScheme string

	// HTTPProxy overrides the factory-wide proxy for this endpoint.
	HTTPProxy   string
	InsecureTLS bool
}

// Translate renders the options into bmclib client options.
func (o *Options) Translate(httpProxy string, timeout time.Duration) []bmclib.Option {
	opts := []bmclib.Option{}
	if o == nil {
		if httpProxy != "" {
			hc := httpClientWithProxy(httpProxy, false, timeout)
			opts = append(opts, bmclib.WithRedfishHTTPClient(hc), bmclib.WithHTTPClient(hc))
		}
		return opts
	}

	proxyURL := httpProxy
	if o.HTTPProxy != "" {
		proxyURL = o.HTTPProxy
	}
	if proxyURL != "" {
		hc := httpClientWithProxy(proxyURL, o.InsecureTLS, timeout)
		opts = append(opts, bmclib.WithRedfishHTTPClient(hc), bmclib.WithHTTPClient(hc))
	}

	if o.RedfishPort != 0 {
		opts = append(opts, bmclib.WithRedfishPort(strconv.Itoa(o.RedfishPort)))
	}
	if o.RedfishUseBasicAuth {
		opts = append(opts, bmclib.WithRedfishUseBasicAuth(true))
	}
	if o.RedfishSystemName != "" {
		opts = append(opts, bmclib.WithRedfishSystemName(o.RedfishSystemName))
	}

	if o.IpmitoolPort != 0 {
		opts = append(opts, bmclib.WithIpmitoolPort(strconv.Itoa(o.IpmitoolPort)))
	}
	if o.IpmitoolCipherSuite != "" {
		opts = append(opts, bmclib.WithIpmitoolCipherSuite(o.IpmitoolCipherSuite))
	}

	if o.AMTPort != 0 {
		// Must fit uint32; fall back to the AMT default port.
		p, err := safecast.Convert[uint32](o.AMTPort)
		if err != nil {
			p = 16992
		}
		opts = append(opts, bmclib.WithIntelAMTPort(p))
		if o.AMTHostScheme != "" {
			opts = append(opts, bmclib.WithIntelAMTHostScheme(o.AMTHostScheme))
		}
	}

	return opts
}

// NewClientFunc returns the production ClientFunc. timeout bounds the Open
// probe; httpProxy, when set, routes Redfish traffic through a proxy.
func NewClientFunc(timeout time.Duration, httpProxy string) ClientFunc {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return func(ctx context.Context, log logr.Logger, host, username, password string, opts *Options) (*bmclib.Client, error) {
		log = log.WithValues("host", host, "username", username)

		o := opts.Translate(httpProxy, timeout)
		o = append(o, bmclib.WithLogger(log))
		client := bmclib.NewClient(host, username, password, o...)

		if opts != nil && len(opts.PreferredOrder) > 0 {
			client.Registry.Drivers = client.Registry.PreferDriver(opts.PreferredOrder...)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := client.Open(ctx); err != nil {
			md := client.GetMetadata()
			log.Info("failed to open connection to BMC", "error", err, "providersAttempted", md.ProvidersAttempted)
			return nil, fmt.Errorf("open connection to BMC: %w", err)
		}
		md := client.GetMetadata()
		log.V(1).Info("connected to BMC", "providersAttempted", md.ProvidersAttempted, "successfulProvider", md.SuccessfulOpenConns)

		return client, nil
	}
}

// httpClientWithProxy mirrors bmclib's default HTTP client and adds proxy
// support.
func httpClientWithProxy(proxyURL string, insecureTLS bool, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: func(*http.Request) (*url.URL, error) {
			return url.Parse(proxyURL)
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecureTLS, // #nosec G402 -- optional insecure mode
		},
		DisableKeepAlives: true,
		Dial: (&net.Dialer{
			Timeout:   120 * time.Second,
			KeepAlive: 120 * time.Second,
		}).Dial,
		TLSHandshakeTimeout:   120 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
	}

	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		Jar:       jar,
	}
}
