package maasadm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"

	"github.com/metalforge/metalforge/adapter"
	"github.com/metalforge/metalforge/pkg/faults"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	// maxResponseBytes bounds error bodies and machine listings alike; a
	// region with thousands of machines stays well under this.
	maxResponseBytes = 16 << 20
)

// TransportConfig describes one MaaS region controller.
type TransportConfig struct {
	// Endpoint is the region root, e.g. http://maas.example.com:5240/MAAS.
	Endpoint string
	// APIKey is the MaaS API key, three colon separated parts: consumer
	// key, token key and token secret.
	APIKey  string
	Timeout time.Duration
	Log     logr.Logger
}

// HTTPTransport implements Transport over the MaaS 2.0 REST API. It signs
// every request with OAuth 1.0a PLAINTEXT, the only scheme the region
// accepts, and folds HTTP statuses into faults kinds so the breaker and
// the retry policies above it see uniform errors.
type HTTPTransport struct {
	base   string
	key    apiKey
	client *http.Client
	log    logr.Logger
}

func NewHTTPTransport(cfg TransportConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, faults.Errorf(faults.KindValidation, "maasadm.transport", "empty maas endpoint")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, faults.Errorf(faults.KindValidation, "maasadm.transport", "bad maas endpoint: %v", err)
	}
	key, err := parseAPIKey(cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &HTTPTransport{
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		key:    key,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    cfg.Log,
	}, nil
}

func (t *HTTPTransport) ListMachines(ctx context.Context) ([]adapter.MachineInfo, error) {
	var ms []machine
	if err := t.do(ctx, "maas.list_machines", http.MethodGet, "machines/", nil, nil, &ms); err != nil {
		return nil, err
	}
	infos := make([]adapter.MachineInfo, len(ms))
	for i, m := range ms {
		infos[i] = m.info()
	}
	return infos, nil
}

func (t *HTTPTransport) Machine(ctx context.Context, systemID string) (adapter.MachineInfo, error) {
	var m machine
	err := t.do(ctx, "maas.machine", http.MethodGet, "machines/"+url.PathEscape(systemID)+"/", nil, nil, &m)
	if err != nil {
		return adapter.MachineInfo{}, err
	}
	return m.info(), nil
}

func (t *HTTPTransport) Commission(ctx context.Context, systemID string) error {
	q := url.Values{"op": []string{"commission"}}
	return t.do(ctx, "maas.commission", http.MethodPost, "machines/"+url.PathEscape(systemID)+"/", q, url.Values{}, nil)
}

func (t *HTTPTransport) Release(ctx context.Context, systemID string) error {
	q := url.Values{"op": []string{"release"}}
	return t.do(ctx, "maas.release", http.MethodPost, "machines/"+url.PathEscape(systemID)+"/", q, url.Values{}, nil)
}

func (t *HTTPTransport) Tag(ctx context.Context, systemID string, tags []string) error {
	for _, tag := range tags {
		if err := t.ensureTag(ctx, tag); err != nil {
			return err
		}
		q := url.Values{"op": []string{"update_nodes"}}
		form := url.Values{"add": []string{systemID}}
		if err := t.do(ctx, "maas.tag", http.MethodPost, "tags/"+url.PathEscape(tag)+"/", q, form, nil); err != nil {
			return err
		}
	}
	return nil
}

// ensureTag creates the tag definition. MaaS answers 400 when the tag
// already exists, which is the common case after the first workflow.
func (t *HTTPTransport) ensureTag(ctx context.Context, tag string) error {
	form := url.Values{"name": []string{tag}, "comment": []string{"managed by metalforge"}}
	err := t.do(ctx, "maas.tag", http.MethodPost, "tags/", nil, form, nil)
	switch faults.KindOf(err) {
	case faults.KindValidation, faults.KindConflict:
		return nil
	}
	return err
}

func (t *HTTPTransport) do(ctx context.Context, op, method, path string, query, form url.Values, out any) error {
	u := t.base + "/api/2.0/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return faults.E(faults.KindInternal, op, err)
	}
	req.Header.Set("Authorization", t.key.authorization())
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return faults.E(faults.KindCanceled, op, ctx.Err())
		}
		return faults.E(faults.KindTransient, op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return faults.E(faults.KindTransient, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusFault(op, resp.StatusCode, payload)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return faults.Errorf(faults.KindInternal, op, "undecodable maas response: %v", err)
		}
	}
	return nil
}

// statusFault maps a MaaS HTTP status onto a fault kind. The region
// answers 503 when a rack controller is overloaded, the exact condition
// the circuit breaker above this transport watches for.
func statusFault(op string, code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(code)
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	kind := faults.KindInternal
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = faults.KindAuth
	case code == http.StatusNotFound:
		kind = faults.KindNotFound
	case code == http.StatusConflict:
		kind = faults.KindConflict
	case code == http.StatusBadRequest:
		kind = faults.KindValidation
	case code == http.StatusTooManyRequests || code >= 500:
		kind = faults.KindTransient
	}
	return faults.Errorf(kind, op, "maas answered %d: %s", code, msg)
}

type apiKey struct {
	consumer string
	token    string
	secret   string
}

func parseAPIKey(s string) (apiKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return apiKey{}, faults.Errorf(faults.KindValidation, "maasadm.transport",
			"maas api key must be consumer:token:secret")
	}
	return apiKey{consumer: parts[0], token: parts[1], secret: parts[2]}, nil
}

// authorization renders the OAuth 1.0a PLAINTEXT header. MaaS keys carry
// an empty consumer secret, so the signature is just the token secret
// behind an ampersand.
func (k apiKey) authorization() string {
	return fmt.Sprintf(`OAuth oauth_version="1.0", oauth_signature_method="PLAINTEXT", `+
		`oauth_consumer_key="%s", oauth_token="%s", oauth_signature="%s", `+
		`oauth_nonce="%s", oauth_timestamp="%d"`,
		k.consumer, k.token, url.QueryEscape("&"+k.secret), ulid.Make().String(), time.Now().Unix())
}

// machine is the slice of the MaaS machine document this system reads.
type machine struct {
	SystemID     string            `json:"system_id"`
	Hostname     string            `json:"hostname"`
	StatusName   string            `json:"status_name"`
	PowerType    string            `json:"power_type"`
	Architecture string            `json:"architecture"`
	CPUCount     int               `json:"cpu_count"`
	MemoryMB     int64             `json:"memory"`
	IPAddresses  []string          `json:"ip_addresses"`
	TagNames     []string          `json:"tag_names"`
	HardwareInfo map[string]string `json:"hardware_info"`
}

func (m machine) info() adapter.MachineInfo {
	hw := m.HardwareInfo
	info := adapter.MachineInfo{
		SystemID:     m.SystemID,
		Hostname:     m.Hostname,
		Status:       statusFromName(m.StatusName),
		PowerType:    m.PowerType,
		Architecture: m.Architecture,
		CPUCount:     m.CPUCount,
		MemoryMB:     m.MemoryMB,
		Vendor:       hw["system_vendor"],
		Motherboard:  hw["mainboard_product"],
		IPAddresses:  m.IPAddresses,
		Tags:         m.TagNames,
	}
	if info.Vendor == "" {
		info.Vendor = hw["mainboard_vendor"]
	}
	extra := map[string]string{}
	for _, k := range []string{"system_product", "system_serial", "mainboard_serial", "mainboard_firmware_version"} {
		if v := hw[k]; v != "" {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		info.Extra = extra
	}
	return info
}

// statusFromName folds the MaaS status vocabulary onto ours. MaaS spells
// every failure as "Failed <phase>".
func statusFromName(name string) adapter.MachineStatus {
	if strings.HasPrefix(name, "Failed") {
		return adapter.MachineFailed
	}
	return adapter.MachineStatus(name)
}
