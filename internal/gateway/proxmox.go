package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProxmoxConfig configures the Proxmox VE adapter.
type ProxmoxConfig struct {
	// BaseURL is the API root, e.g. "https://pve.example.net:8006". "/api2/json" is appended when missing.
	BaseURL string
	// Token is the full API token in the form "USER@REALM!TOKENID=SECRET".
	Token string
	// Node pins new VMs to one cluster node. Empty selects the first node reported by the API.
	Node string
	// TemplateVMID is the VM template every VPS is cloned from.
	TemplateVMID int
	// FullClone requests full instead of linked clones.
	FullClone bool
	// AgentCIDR prefers guest addresses inside this block when reporting the IP.
	AgentCIDR  string
	HTTPClient *http.Client
}

// Proxmox provisions VPS resources as QEMU VMs cloned from a template.
// External identifiers are VMIDs; ResolveExternalIdentifier returns "node/vmid".
type Proxmox struct {
	cfg ProxmoxConfig
	api *jsonClient

	nodeMu sync.Mutex
	node   string

	// Testing hooks
	Sleep func(ctx context.Context, d time.Duration) error
}

var _ Gateway = (*Proxmox)(nil)

// NewProxmox validates cfg and builds the adapter.
func NewProxmox(cfg ProxmoxConfig) (*Proxmox, error) {
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL == "" {
		return nil, errors.New("proxmox base url is required")
	}
	if !strings.Contains(cfg.Token, "=") {
		return nil, errors.New("proxmox token must be USER@REALM!TOKENID=SECRET")
	}
	if cfg.TemplateVMID <= 0 {
		return nil, errors.New("proxmox template vmid must be positive")
	}
	if cfg.AgentCIDR != "" {
		if _, _, err := net.ParseCIDR(cfg.AgentCIDR); err != nil {
			return nil, fmt.Errorf("invalid agent cidr %q: %w", cfg.AgentCIDR, err)
		}
	}
	baseURL := cfg.BaseURL
	if !strings.HasSuffix(baseURL, "/api2/json") {
		baseURL = strings.TrimSuffix(baseURL, "/") + "/api2/json"
	}
	return &Proxmox{
		cfg:  cfg,
		node: strings.TrimSpace(cfg.Node),
		api: &jsonClient{
			provider:   "proxmox",
			baseURL:    baseURL,
			authHeader: "PVEAPIToken=" + cfg.Token,
			httpClient: cfg.HTTPClient,
			notFound:   isProxmoxVMNotFound,
		},
	}, nil
}

func (p *Proxmox) Provider() string {
	return "proxmox"
}

// pveData is the {"data": ...} envelope around every Proxmox reply.
type pveData struct {
	Data any `json:"data"`
}

type pveResource struct {
	VMID   int    `json:"vmid"`
	Node   string `json:"node"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Type   string `json:"type"`
}

func (p *Proxmox) get(ctx context.Context, op, path string, out any) error {
	return p.api.do(ctx, op, http.MethodGet, path, nil, &pveData{Data: out})
}

// call issues a mutating request and waits for the task it starts, if any.
func (p *Proxmox) call(ctx context.Context, op, method, node, path string, params url.Values) error {
	var upid string
	var body any
	if params != nil {
		body = params
	}
	if method == http.MethodDelete && len(params) > 0 {
		path += "?" + params.Encode()
		body = nil
	}
	if err := p.api.do(ctx, op, method, path, body, &pveData{Data: &upid}); err != nil {
		return err
	}
	return p.waitForTask(ctx, op, node, upid)
}

// Create clones the template into a new VM sized to the request and boots it.
// A VM that already carries the server's name is adopted instead, so a
// retried create never produces a second VM.
func (p *Proxmox) Create(ctx context.Context, req CreateRequest) (string, error) {
	const op = "create"
	name := providerName(req.ServerID)
	if existing, err := p.findByName(ctx, op, name); err != nil {
		return "", err
	} else if existing != nil {
		return p.adopt(ctx, op, *existing, req)
	}

	node, err := p.ensureNode(ctx, op)
	if err != nil {
		return "", err
	}
	var next json.Number
	if err := p.get(ctx, op, "/cluster/nextid", &next); err != nil {
		return "", err
	}
	vmid, err := strconv.Atoi(next.String())
	if err != nil || vmid <= 0 {
		return "", newError(p.Provider(), op, KindMalformed, 0, fmt.Sprintf("invalid next vmid %q", next), err)
	}

	clone := url.Values{}
	clone.Set("newid", strconv.Itoa(vmid))
	clone.Set("name", name)
	clone.Set("full", "0")
	if p.cfg.FullClone {
		clone.Set("full", "1")
	}
	if err := p.call(ctx, op, http.MethodPost, node, fmt.Sprintf("/nodes/%s/qemu/%d/clone", node, p.cfg.TemplateVMID), clone); err != nil {
		return "", err
	}

	if err := p.configure(ctx, op, node, vmid, req); err != nil {
		p.cleanup(node, vmid)
		return "", err
	}
	if err := p.call(ctx, op, http.MethodPost, node, fmt.Sprintf("/nodes/%s/qemu/%d/status/start", node, vmid), nil); err != nil {
		p.cleanup(node, vmid)
		return "", err
	}
	return strconv.Itoa(vmid), nil
}

// adopt finishes a VM left behind by an earlier create attempt. The attempt
// may have stopped anywhere between clone and start, so sizing is applied
// again once the clone lock is released.
func (p *Proxmox) adopt(ctx context.Context, op string, vm pveResource, req CreateRequest) (string, error) {
	status, err := p.waitUnlocked(ctx, op, vm.Node, vm.VMID)
	if err != nil {
		return "", err
	}
	if err := p.configure(ctx, op, vm.Node, vm.VMID, req); err != nil {
		return "", err
	}
	if status != "running" {
		if err := p.call(ctx, op, http.MethodPost, vm.Node, fmt.Sprintf("/nodes/%s/qemu/%d/status/start", vm.Node, vm.VMID), nil); err != nil {
			return "", err
		}
	}
	return strconv.Itoa(vm.VMID), nil
}

// waitUnlocked polls the VM until no task holds its lock and returns the
// power status it reports then.
func (p *Proxmox) waitUnlocked(ctx context.Context, op, node string, vmid int) (string, error) {
	wait := 500 * time.Millisecond
	for {
		var current struct {
			Status string `json:"status"`
			Lock   string `json:"lock"`
		}
		if err := p.get(ctx, op, fmt.Sprintf("/nodes/%s/qemu/%d/status/current", node, vmid), &current); err != nil {
			return "", err
		}
		if strings.TrimSpace(current.Lock) == "" {
			return current.Status, nil
		}
		if err := p.sleep(ctx, wait); err != nil {
			return "", classifyTransportError(p.Provider(), op, err)
		}
		wait = nextBackoff(wait, 5*time.Second)
	}
}

// configure sets cores and memory when they differ from the request and
// grows the root disk to the requested size.
func (p *Proxmox) configure(ctx context.Context, op, node string, vmid int, req CreateRequest) error {
	var current map[string]any
	if err := p.get(ctx, op, fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid), &current); err != nil {
		return err
	}
	if configValue(current, "cores") == strconv.Itoa(req.Spec.CPU) && configValue(current, "memory") == strconv.Itoa(req.Spec.MemoryMB) {
		return p.ensureRootDiskSize(ctx, op, node, vmid, req.Spec.StorageGB)
	}
	params := url.Values{}
	params.Set("cores", strconv.Itoa(req.Spec.CPU))
	params.Set("memory", strconv.Itoa(req.Spec.MemoryMB))
	params.Set("description", fmt.Sprintf("hostlane server %s (%s) owner %s", req.ServerID, req.Name, req.OwnerID))
	params.Set("tags", "hostlane")
	if err := p.call(ctx, op, http.MethodPut, node, fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid), params); err != nil {
		return err
	}
	return p.ensureRootDiskSize(ctx, op, node, vmid, req.Spec.StorageGB)
}

func configValue(config map[string]any, key string) string {
	v, ok := config[key]
	if !ok || v == nil {
		return ""
	}
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (p *Proxmox) ensureRootDiskSize(ctx context.Context, op, node string, vmid int, targetGB int) error {
	if targetGB <= 0 {
		return nil
	}
	var raw map[string]any
	if err := p.get(ctx, op, fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid), &raw); err != nil {
		return err
	}
	config := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			config[k] = s
		}
	}
	disk := detectRootDisk(config)
	if disk == "" {
		return newError(p.Provider(), op, KindMalformed, 0, fmt.Sprintf("unable to determine root disk for vm %d", vmid), nil)
	}
	currentGB, err := parseSizeGB(extractDiskSizeToken(config[disk]))
	if err != nil {
		return newError(p.Provider(), op, KindMalformed, 0, fmt.Sprintf("vm %d disk %s", vmid, disk), err)
	}
	delta := resizeDeltaGB(currentGB, targetGB)
	if delta <= 0 {
		return nil
	}
	params := url.Values{}
	params.Set("disk", disk)
	params.Set("size", fmt.Sprintf("+%dG", delta))
	return p.call(ctx, op, http.MethodPut, node, fmt.Sprintf("/nodes/%s/qemu/%d/resize", node, vmid), params)
}

// cleanup destroys a half-built VM. Failures are ignored; a later create for
// the same server adopts the leftover by name.
func (p *Proxmox) cleanup(node string, vmid int) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCleanupTimeout)
	defer cancel()
	params := url.Values{}
	params.Set("purge", "1")
	_ = p.call(ctx, "create", http.MethodDelete, node, fmt.Sprintf("/nodes/%s/qemu/%d", node, vmid), params)
}

func (p *Proxmox) Start(ctx context.Context, externalID string) error {
	return p.action(ctx, "start", externalID, "start")
}

func (p *Proxmox) Stop(ctx context.Context, externalID string) error {
	return p.action(ctx, "stop", externalID, "stop")
}

func (p *Proxmox) Restart(ctx context.Context, externalID string) error {
	return p.action(ctx, "restart", externalID, "reboot")
}

func (p *Proxmox) action(ctx context.Context, op, externalID, verb string) error {
	vm, err := p.lookup(ctx, op, externalID)
	if err != nil {
		return err
	}
	return p.call(ctx, op, http.MethodPost, vm.Node, fmt.Sprintf("/nodes/%s/qemu/%d/status/%s", vm.Node, vm.VMID, verb), nil)
}

// Delete stops the VM if needed and destroys it with its disks.
func (p *Proxmox) Delete(ctx context.Context, externalID string) error {
	const op = "delete"
	vm, err := p.lookup(ctx, op, externalID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if vm.Status == "running" {
		err := p.call(ctx, op, http.MethodPost, vm.Node, fmt.Sprintf("/nodes/%s/qemu/%d/status/stop", vm.Node, vm.VMID), nil)
		if err != nil && !IsNotFound(err) {
			return err
		}
	}
	params := url.Values{}
	params.Set("purge", "1")
	params.Set("destroy-unreferenced-disks", "1")
	err = p.call(ctx, op, http.MethodDelete, vm.Node, fmt.Sprintf("/nodes/%s/qemu/%d", vm.Node, vm.VMID), params)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// GetStatus reports the VM power state. The address comes from the guest
// agent and is left empty when the agent is not answering.
func (p *Proxmox) GetStatus(ctx context.Context, externalID string) (Status, error) {
	const op = "status"
	vm, err := p.lookup(ctx, op, externalID)
	if err != nil {
		return Status{}, err
	}
	var current struct {
		Status string `json:"status"`
		Lock   string `json:"lock"`
	}
	if err := p.get(ctx, op, fmt.Sprintf("/nodes/%s/qemu/%d/status/current", vm.Node, vm.VMID), &current); err != nil {
		return Status{}, err
	}
	status := Status{State: proxmoxState(current.Status, current.Lock)}
	if status.State == StateActive {
		status.IPAddress = p.guestAgentIP(ctx, vm.Node, vm.VMID)
	}
	return status, nil
}

func proxmoxState(status, lock string) State {
	if strings.TrimSpace(lock) != "" {
		return StatePending
	}
	switch strings.ToLower(status) {
	case "running":
		return StateActive
	case "stopped":
		return StateStopped
	case "paused", "suspended", "prelaunch":
		return StatePending
	default:
		return StateError
	}
}

func (p *Proxmox) ResolveExternalIdentifier(ctx context.Context, externalID string) (string, error) {
	vm, err := p.lookup(ctx, "resolve", externalID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", vm.Node, vm.VMID), nil
}

// lookup finds the VM in the cluster resource list, so VMs that migrated
// between nodes are still addressed correctly.
func (p *Proxmox) lookup(ctx context.Context, op, externalID string) (pveResource, error) {
	vmid, err := strconv.Atoi(strings.TrimSpace(externalID))
	if err != nil || vmid <= 0 {
		return pveResource{}, newError(p.Provider(), op, KindMalformed, 0, fmt.Sprintf("invalid vmid %q", externalID), err)
	}
	resources, err := p.resources(ctx, op)
	if err != nil {
		return pveResource{}, err
	}
	for _, r := range resources {
		if r.VMID == vmid {
			return r, nil
		}
	}
	return pveResource{}, newError(p.Provider(), op, KindNotFound, http.StatusNotFound, fmt.Sprintf("vm %d does not exist", vmid), nil)
}

func (p *Proxmox) findByName(ctx context.Context, op, name string) (*pveResource, error) {
	resources, err := p.resources(ctx, op)
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		if r.Name == name {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (p *Proxmox) resources(ctx context.Context, op string) ([]pveResource, error) {
	var resources []pveResource
	if err := p.get(ctx, op, "/cluster/resources?type=vm", &resources); err != nil {
		return nil, err
	}
	out := resources[:0]
	for _, r := range resources {
		if r.Type == "" || r.Type == "qemu" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *Proxmox) ensureNode(ctx context.Context, op string) (string, error) {
	p.nodeMu.Lock()
	defer p.nodeMu.Unlock()
	if p.node != "" {
		return p.node, nil
	}
	var nodes []struct {
		Node string `json:"node"`
	}
	if err := p.get(ctx, op, "/nodes", &nodes); err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", newError(p.Provider(), op, KindMalformed, 0, "no nodes found", nil)
	}
	p.node = nodes[0].Node
	return p.node, nil
}

func (p *Proxmox) waitForTask(ctx context.Context, op, node, upid string) error {
	upid = strings.TrimSpace(upid)
	if node == "" || !strings.HasPrefix(upid, "UPID:") {
		return nil
	}
	wait := 500 * time.Millisecond
	maxWait := 5 * time.Second
	for {
		var status struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		}
		if err := p.get(ctx, op, fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid)), &status); err != nil {
			return err
		}
		if strings.EqualFold(status.Status, "stopped") {
			if status.ExitStatus == "" || strings.EqualFold(status.ExitStatus, "OK") {
				return nil
			}
			return newError(p.Provider(), op, classifyTaskFailure(status.ExitStatus), 0, "task failed: "+status.ExitStatus, nil)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return classifyTransportError(p.Provider(), op, err)
		}
		wait = nextBackoff(wait, maxWait)
	}
}

func classifyTaskFailure(exit string) Kind {
	switch {
	case isProxmoxVMNotFound(0, exit):
		return KindNotFound
	case looksLikeQuota(exit):
		return KindQuotaExceeded
	case strings.Contains(strings.ToLower(exit), "timeout"), strings.Contains(strings.ToLower(exit), "can't lock"):
		return KindTransient
	default:
		return KindMalformed
	}
}

type agentInterface struct {
	Name        string `json:"name"`
	IPAddresses []struct {
		IPAddress     string `json:"ip-address"`
		IPAddressType string `json:"ip-address-type"`
	} `json:"ip-addresses"`
}

func (p *Proxmox) guestAgentIP(ctx context.Context, node string, vmid int) string {
	var resp struct {
		Result []agentInterface `json:"result"`
	}
	if err := p.get(ctx, "status", fmt.Sprintf("/nodes/%s/qemu/%d/agent/network-get-interfaces", node, vmid), &resp); err != nil {
		return ""
	}
	return selectIP(collectIPv4(resp.Result), p.cfg.AgentCIDR)
}

func collectIPv4(ifaces []agentInterface) []net.IP {
	var ips []net.IP
	for _, iface := range ifaces {
		for _, addr := range iface.IPAddresses {
			if addr.IPAddressType != "ipv4" {
				continue
			}
			ip := net.ParseIP(addr.IPAddress).To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.Equal(net.IPv4zero) {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips
}

// selectIP prefers an address inside cidr, then a public address, then the first one.
func selectIP(ips []net.IP, cidr string) string {
	if len(ips) == 0 {
		return ""
	}
	if cidr != "" {
		if _, block, err := net.ParseCIDR(cidr); err == nil {
			for _, ip := range ips {
				if block.Contains(ip) {
					return ip.String()
				}
			}
		}
	}
	for _, ip := range ips {
		if !ip.IsPrivate() {
			return ip.String()
		}
	}
	return ips[0].String()
}

func (p *Proxmox) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func nextBackoff(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// isProxmoxVMNotFound recognizes "VM is gone" replies, which Proxmox sends as 500s.
func isProxmoxVMNotFound(_ int, message string) bool {
	msg := strings.ToLower(message)
	for _, indicator := range []string{"does not exist", "no such vm", "no such qemu", "no such vmid", "no vmid found"} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return strings.Contains(msg, "not found") && strings.Contains(msg, "vm")
}

// providerName is the provider-side name of a server. It is derived from the
// registry id so an interrupted create can find what it already built.
func providerName(serverID string) string {
	return "hl-" + strings.ToLower(strings.TrimSpace(serverID))
}
