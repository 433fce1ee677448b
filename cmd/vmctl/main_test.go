package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jamesprial/vmctl/internal/app"
	"github.com/jamesprial/vmctl/internal/config"
	"github.com/jamesprial/vmctl/internal/hypervisor"
)

// memAdapter is an in-memory control interface shared across CLI runs.
type memAdapter struct {
	mu      sync.Mutex
	domains map[string]hypervisor.Domain
}

func (a *memAdapter) Define(_ context.Context, d hypervisor.Descriptor) (hypervisor.Domain, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dom := hypervisor.Domain{Name: d.DomainName(), UUID: d.UUID}
	a.domains[d.UUID] = dom
	return dom, nil
}

func (a *memAdapter) Lookup(_ context.Context, id string) (hypervisor.Domain, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dom, ok := a.domains[id]; ok {
		return dom, nil
	}
	return hypervisor.Domain{}, &hypervisor.Error{Op: "lookup", ID: id, Err: hypervisor.ErrDomainNotFound}
}

func (a *memAdapter) Start(context.Context, hypervisor.Domain) error    { return nil }
func (a *memAdapter) Shutdown(context.Context, hypervisor.Domain) error { return nil }
func (a *memAdapter) Destroy(context.Context, hypervisor.Domain) error  { return nil }

func (a *memAdapter) Undefine(_ context.Context, d hypervisor.Domain) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.domains, d.UUID)
	return nil
}

type cli struct {
	configPath string
	adapter    *memAdapter
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`storage:
  database_path: %s
audit:
  enabled: false
log:
  level: warn
`, filepath.Join(dir, "vms.db"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cli{configPath: path, adapter: &memAdapter{domains: map[string]hypervisor.Domain{}}}
}

func (c *cli) connect(context.Context, *config.Config) (hypervisor.Adapter, error) {
	return c.adapter, nil
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(c.connect)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", c.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func Test_CLI_Lifecycle(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "create", "web-1", "--vcpus", "2", "--memory-mb", "2048", "--owner", "ops", "--metadata", `{"tier":"web"}`)
	if err != nil {
		t.Fatalf("create error = %v\n%s", err, out)
	}
	var created struct {
		ID       string         `json:"id"`
		Name     string         `json:"name"`
		State    string         `json:"state"`
		Owner    string         `json:"owner"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("create output is not JSON: %v\n%s", err, out)
	}
	if created.Name != "web-1" || created.State != "stopped" || created.Owner != "ops" {
		t.Errorf("created = %+v", created)
	}
	if created.Metadata["tier"] != "web" {
		t.Errorf("metadata = %v, want tier=web", created.Metadata)
	}

	steps := []struct {
		args []string
		want string
	}{
		{args: []string{"start", created.ID}, want: "started " + created.ID},
		{args: []string{"get", created.ID}, want: `"state": "running"`},
		{args: []string{"stop", "--force", created.ID}, want: "stopped " + created.ID},
		{args: []string{"delete", created.ID}, want: "deleted " + created.ID},
		{args: []string{"list"}, want: "[]"},
	}
	for _, step := range steps {
		out, err := c.run(t, step.args...)
		if err != nil {
			t.Fatalf("%v error = %v\n%s", step.args, err, out)
		}
		if !strings.Contains(out, step.want) {
			t.Errorf("%v output = %q, want it to contain %q", step.args, out, step.want)
		}
	}
}

func Test_CLI_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "validation", args: []string{"create", "big", "--vcpus", "65"}, want: "vcpus"},
		{name: "bad metadata", args: []string{"create", "m", "--metadata", "{"}, want: "metadata must be a JSON document"},
		{name: "unknown id", args: []string{"start", "missing"}, want: "not found"},
		{name: "missing argument", args: []string{"delete"}, want: "accepts 1 arg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCLI(t)
			_, err := c.run(t, tt.args...)
			if err == nil {
				t.Fatal("error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func Test_RootOptions_Path(t *testing.T) {
	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{name: "flag wins", flag: "/a.yaml", env: "/b.yaml", want: "/a.yaml"},
		{name: "env fallback", env: "/b.yaml", want: "/b.yaml"},
		{name: "default", want: config.DefaultPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VMCTL_CONFIG_PATH", tt.env)
			o := &rootOptions{configPath: tt.flag}
			if got := o.path(); got != tt.want {
				t.Errorf("path() = %q, want %q", got, tt.want)
			}
		})
	}
}

func Test_NewHandler_AuthAndMetrics(t *testing.T) {
	c := newCLI(t)
	opts := &rootOptions{configPath: c.configPath, connect: c.connect}

	state, err := app.New(context.Background(), opts.loader(), c.connect)
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })

	cfg := *state.Config()
	cfg.Server.AuthToken = "tok"
	srv := httptest.NewServer(newHandler(state, &cfg, nil))
	t.Cleanup(srv.Close)

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
		wantBody   string
	}{
		{name: "metrics without token", path: "/metrics", wantStatus: http.StatusUnauthorized},
		{name: "metrics with token", path: "/metrics", token: "tok", wantStatus: http.StatusOK, wantBody: "vmctl_vms"},
		{name: "mcp without token", path: mcpPath, wantStatus: http.StatusUnauthorized},
		{name: "unknown path", path: "/nope", token: "tok", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantBody != "" {
				var body bytes.Buffer
				_, _ = body.ReadFrom(resp.Body)
				if !strings.Contains(body.String(), tt.wantBody) {
					t.Errorf("body does not contain %q", tt.wantBody)
				}
			}
		})
	}
}
