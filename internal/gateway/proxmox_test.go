package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hostlane/hostlane/internal/models"
)

type apiRequest struct {
	method   string
	path     string
	rawQuery string
	form     url.Values
}

// fakePVE serves the subset of the Proxmox API the adapter uses.
type fakePVE struct {
	mu        sync.Mutex
	calls     []apiRequest
	resources []pveResource
	config    map[string]any
	current   map[string]any
	// currentSeq, when set, is served one entry per status/current call
	// before falling back to current.
	currentSeq []map[string]any
	agent     any
	taskExit  string
	failPath  string
}

func (f *fakePVE) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		form, _ := url.ParseQuery(string(body))
		if r.Header.Get("Authorization") != "PVEAPIToken=root@pam!hostlane=secret" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		path := strings.TrimPrefix(r.URL.Path, "/api2/json")

		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, apiRequest{method: r.Method, path: path, rawQuery: r.URL.RawQuery, form: form})

		if f.failPath != "" && path == f.failPath {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":{"memory":"value must be at least 16"}}`))
			return
		}

		var data any
		switch {
		case path == "/cluster/resources":
			data = f.resources
		case path == "/cluster/nextid":
			data = "105"
		case path == "/nodes":
			data = []map[string]string{{"node": "pve"}}
		case strings.Contains(path, "/tasks/"):
			exit := f.taskExit
			if exit == "" {
				exit = "OK"
			}
			data = map[string]string{"status": "stopped", "exitstatus": exit}
		case strings.HasSuffix(path, "/status/current"):
			data = f.current
			if len(f.currentSeq) > 0 {
				data, f.currentSeq = f.currentSeq[0], f.currentSeq[1:]
			}
		case strings.HasSuffix(path, "/agent/network-get-interfaces"):
			data = f.agent
		case strings.HasSuffix(path, "/config") && r.Method == http.MethodGet:
			data = f.config
		case strings.HasSuffix(path, "/config") && r.Method == http.MethodPut:
			data = nil
		default:
			data = "UPID:pve:00001234:00ABCDEF:65A1B2C3:qmtask:105:root@pam:"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
}

func (f *fakePVE) requests() []apiRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]apiRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakePVE) find(method, path string) (apiRequest, bool) {
	for _, call := range f.requests() {
		if call.method == method && call.path == path {
			return call, true
		}
	}
	return apiRequest{}, false
}

func newTestProxmox(t *testing.T, pve *fakePVE) *Proxmox {
	t.Helper()
	srv := httptest.NewServer(pve.handler(t))
	t.Cleanup(srv.Close)
	p, err := NewProxmox(ProxmoxConfig{
		BaseURL:      srv.URL,
		Token:        "root@pam!hostlane=secret",
		Node:         "pve",
		TemplateVMID: 9000,
		AgentCIDR:    "10.77.0.0/16",
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewProxmox() error = %v", err)
	}
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func vpsRequest() CreateRequest {
	return CreateRequest{
		ServerID: "6F9619FF-8B86-D011-B42D-00C04FC964FF",
		Name:     "web-1",
		OwnerID:  "user-1",
		Type:     models.ServerTypeVPS,
		Spec:     models.ServerSpec{CPU: 2, MemoryMB: 4096, StorageGB: 50},
	}
}

func TestProxmoxCreateClonesConfiguresAndStarts(t *testing.T) {
	pve := &fakePVE{config: map[string]any{
		"boot":  "order=scsi0;net0",
		"scsi0": "local-lvm:vm-105-disk-0,size=10G",
		"cores": 1,
	}}
	p := newTestProxmox(t, pve)

	id, err := p.Create(context.Background(), vpsRequest())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "105" {
		t.Fatalf("Create() id = %q, want 105", id)
	}

	clone, ok := pve.find(http.MethodPost, "/nodes/pve/qemu/9000/clone")
	if !ok {
		t.Fatalf("expected clone call, got %+v", pve.requests())
	}
	if clone.form.Get("newid") != "105" || clone.form.Get("full") != "0" {
		t.Fatalf("clone form = %v", clone.form)
	}
	if clone.form.Get("name") != "hl-6f9619ff-8b86-d011-b42d-00c04fc964ff" {
		t.Fatalf("clone name = %q", clone.form.Get("name"))
	}
	config, ok := pve.find(http.MethodPut, "/nodes/pve/qemu/105/config")
	if !ok {
		t.Fatalf("expected config call")
	}
	if config.form.Get("cores") != "2" || config.form.Get("memory") != "4096" {
		t.Fatalf("config form = %v", config.form)
	}
	resize, ok := pve.find(http.MethodPut, "/nodes/pve/qemu/105/resize")
	if !ok {
		t.Fatalf("expected resize call")
	}
	if resize.form.Get("disk") != "scsi0" || resize.form.Get("size") != "+40G" {
		t.Fatalf("resize form = %v", resize.form)
	}
	if _, ok := pve.find(http.MethodPost, "/nodes/pve/qemu/105/status/start"); !ok {
		t.Fatalf("expected start call")
	}
}

func TestProxmoxCreateAdoptsExistingVM(t *testing.T) {
	pve := &fakePVE{
		resources: []pveResource{
			{VMID: 131, Node: "pve2", Name: "hl-6f9619ff-8b86-d011-b42d-00c04fc964ff", Status: "running", Type: "qemu"},
		},
		current: map[string]any{"status": "running"},
		config: map[string]any{
			"boot":   "order=scsi0;net0",
			"scsi0":  "local-lvm:vm-131-disk-0,size=50G",
			"cores":  2,
			"memory": "4096",
		},
	}
	p := newTestProxmox(t, pve)

	id, err := p.Create(context.Background(), vpsRequest())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "131" {
		t.Fatalf("Create() id = %q, want 131", id)
	}
	for _, call := range pve.requests() {
		if call.method != http.MethodGet {
			t.Fatalf("adoption must not mutate, saw %s %s", call.method, call.path)
		}
	}
}

func TestProxmoxCreateFinishesInterruptedClone(t *testing.T) {
	// An earlier attempt timed out while the clone task was still running.
	pve := &fakePVE{
		resources: []pveResource{
			{VMID: 105, Node: "pve", Name: "hl-6f9619ff-8b86-d011-b42d-00c04fc964ff", Status: "stopped", Type: "qemu"},
		},
		currentSeq: []map[string]any{
			{"status": "stopped", "lock": "clone"},
			{"status": "stopped", "lock": "clone"},
		},
		current: map[string]any{"status": "stopped"},
		config: map[string]any{
			"boot":  "order=scsi0;net0",
			"scsi0": "local-lvm:vm-105-disk-0,size=10G",
			"cores": 1,
		},
	}
	p := newTestProxmox(t, pve)

	id, err := p.Create(context.Background(), vpsRequest())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id != "105" {
		t.Fatalf("Create() id = %q, want 105", id)
	}
	if _, ok := pve.find(http.MethodPost, "/nodes/pve/qemu/9000/clone"); ok {
		t.Fatalf("adopted VM must not be cloned again")
	}

	var sawConfig, sawResize, sawStart bool
	polls := 0
	for _, call := range pve.requests() {
		switch {
		case call.path == "/nodes/pve/qemu/105/status/current":
			polls++
		case call.method == http.MethodPut && call.path == "/nodes/pve/qemu/105/config":
			if polls < 3 {
				t.Fatalf("config applied while the clone lock was held")
			}
			if call.form.Get("cores") != "2" || call.form.Get("memory") != "4096" {
				t.Fatalf("config form = %v", call.form)
			}
			sawConfig = true
		case call.method == http.MethodPut && call.path == "/nodes/pve/qemu/105/resize":
			if call.form.Get("size") != "+40G" {
				t.Fatalf("resize form = %v", call.form)
			}
			sawResize = true
		case call.method == http.MethodPost && call.path == "/nodes/pve/qemu/105/status/start":
			if !sawConfig || !sawResize {
				t.Fatalf("VM started before it was sized")
			}
			sawStart = true
		}
	}
	if !sawConfig || !sawResize || !sawStart {
		t.Fatalf("config=%v resize=%v start=%v, requests=%+v", sawConfig, sawResize, sawStart, pve.requests())
	}
}

func TestProxmoxCreateCleansUpAfterConfigureFailure(t *testing.T) {
	pve := &fakePVE{failPath: "/nodes/pve/qemu/105/config"}
	p := newTestProxmox(t, pve)

	_, err := p.Create(context.Background(), vpsRequest())
	if KindOf(err) != KindMalformed {
		t.Fatalf("Create() error = %v, want malformed", err)
	}
	del, ok := pve.find(http.MethodDelete, "/nodes/pve/qemu/105")
	if !ok {
		t.Fatalf("expected cleanup delete, got %+v", pve.requests())
	}
	if !strings.Contains(del.rawQuery, "purge=1") {
		t.Fatalf("cleanup query = %q", del.rawQuery)
	}
}

func TestProxmoxCreateReportsTaskFailure(t *testing.T) {
	pve := &fakePVE{taskExit: "clone failed: storage 'local-lvm' does not support linked clones"}
	p := newTestProxmox(t, pve)

	_, err := p.Create(context.Background(), vpsRequest())
	if err == nil || !strings.Contains(err.Error(), "task failed") {
		t.Fatalf("Create() error = %v, want task failure", err)
	}
}

func TestProxmoxGetStatus(t *testing.T) {
	pve := &fakePVE{
		resources: []pveResource{{VMID: 105, Node: "pve", Name: "hl-x", Status: "running", Type: "qemu"}},
		current:   map[string]any{"status": "running"},
		agent: map[string]any{"result": []map[string]any{
			{"name": "lo", "ip-addresses": []map[string]string{{"ip-address": "127.0.0.1", "ip-address-type": "ipv4"}}},
			{"name": "eth0", "ip-addresses": []map[string]string{
				{"ip-address": "203.0.113.9", "ip-address-type": "ipv4"},
				{"ip-address": "10.77.0.12", "ip-address-type": "ipv4"},
			}},
		}},
	}
	p := newTestProxmox(t, pve)

	status, err := p.GetStatus(context.Background(), "105")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.State != StateActive || status.IPAddress != "10.77.0.12" {
		t.Fatalf("status = %+v", status)
	}

	pve.mu.Lock()
	pve.current = map[string]any{"status": "stopped", "lock": "backup"}
	pve.mu.Unlock()
	status, err = p.GetStatus(context.Background(), "105")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.State != StatePending {
		t.Fatalf("locked vm state = %s, want PENDING", status.State)
	}

	if _, err := p.GetStatus(context.Background(), "999"); !IsNotFound(err) {
		t.Fatalf("GetStatus(999) error = %v, want not_found", err)
	}
	if _, err := p.GetStatus(context.Background(), "abc"); KindOf(err) != KindMalformed {
		t.Fatalf("GetStatus(abc) error = %v, want malformed", err)
	}
}

func TestProxmoxDeleteStopsRunningVMFirst(t *testing.T) {
	pve := &fakePVE{resources: []pveResource{{VMID: 105, Node: "pve3", Status: "running", Type: "qemu"}}}
	p := newTestProxmox(t, pve)

	if err := p.Delete(context.Background(), "105"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	var order []string
	for _, call := range pve.requests() {
		if call.method != http.MethodGet {
			order = append(order, call.method+" "+call.path)
		}
	}
	want := []string{"POST /nodes/pve3/qemu/105/status/stop", "DELETE /nodes/pve3/qemu/105"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("mutations = %v, want %v", order, want)
	}
}

func TestProxmoxDeleteMissingVMSucceeds(t *testing.T) {
	p := newTestProxmox(t, &fakePVE{})
	if err := p.Delete(context.Background(), "105"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestProxmoxResolveExternalIdentifier(t *testing.T) {
	pve := &fakePVE{resources: []pveResource{
		{VMID: 100, Node: "pve1", Type: "lxc"},
		{VMID: 105, Node: "pve2", Type: "qemu"},
	}}
	p := newTestProxmox(t, pve)

	handle, err := p.ResolveExternalIdentifier(context.Background(), "105")
	if err != nil {
		t.Fatalf("ResolveExternalIdentifier() error = %v", err)
	}
	if handle != "pve2/105" {
		t.Fatalf("handle = %q, want pve2/105", handle)
	}
	if _, err := p.ResolveExternalIdentifier(context.Background(), "100"); !IsNotFound(err) {
		t.Fatalf("containers must not resolve, got %v", err)
	}
}

func TestParseSizeGB(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{in: "32G", want: 32},
		{in: "2.5G", want: 2.5},
		{in: "512M", want: 0.5},
		{in: "1T", want: 1024},
	}
	for _, tt := range tests {
		got, err := parseSizeGB(tt.in)
		if err != nil {
			t.Fatalf("parseSizeGB(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("parseSizeGB(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := parseSizeGB("big"); err == nil {
		t.Fatalf("expected error for invalid size")
	}
	if got := resizeDeltaGB(2.8, 10); got != 8 {
		t.Fatalf("resizeDeltaGB(2.8, 10) = %d, want 8", got)
	}
	if got := resizeDeltaGB(40, 20); got != 0 {
		t.Fatalf("disks must never shrink, got %d", got)
	}
}
