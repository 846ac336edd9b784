package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/actions"
	vc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/llm/claude"
	"github.com/linnemanlabs/warden/internal/llm/openai"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       vc.Config
		wantModel string
		check     func(any) bool
		wantErr   bool
	}{
		{
			name:      "claude",
			cfg:       vc.Config{ReasoningProvider: vc.ProviderClaude, ClaudeAPIKey: "k", ClaudeModel: "claude-x"},
			wantModel: "claude-x",
			check:     func(p any) bool { _, ok := p.(*claude.Client); return ok },
		},
		{
			name:      "openai",
			cfg:       vc.Config{ReasoningProvider: vc.ProviderOpenAI, OpenAIAPIKey: "k", OpenAIModel: "gpt-x"},
			wantModel: "gpt-x",
			check:     func(p any) bool { _, ok := p.(*openai.Client); return ok },
		},
		{
			name:    "unknown",
			cfg:     vc.Config{ReasoningProvider: "other"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, model, err := newProvider(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if model != tt.wantModel {
				t.Errorf("model = %q, want %q", model, tt.wantModel)
			}
			if !tt.check(p) {
				t.Errorf("provider type = %T", p)
			}
		})
	}
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	b, err := newBackend(&vc.Config{}, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*actions.DryRun); !ok {
		t.Errorf("backend without url = %T, want *actions.DryRun", b)
	}

	b, err = newBackend(&vc.Config{BackendURL: "http://actions.internal:8080", BackendToken: "tok"}, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*actions.Client); !ok {
		t.Errorf("backend with url = %T, want *actions.Client", b)
	}

	if _, err := newBackend(&vc.Config{BackendURL: "::not a url"}, log.Nop()); err == nil {
		t.Error("expected error for invalid backend url")
	}
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	p, err := loadPolicy("")
	if err != nil || p == nil {
		t.Fatalf("loadPolicy(\"\") = %v, %v", p, err)
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "max_steps: 3\ndiagnostics: [service_status]\nactions:\n  - name: restart_service\n    required_params: [service]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err = loadPolicy(path)
	if err != nil {
		t.Fatalf("loadPolicy: %v", err)
	}
	if p.MaxSteps != 3 || len(p.Diagnostics) != 1 {
		t.Errorf("policy = %+v", p)
	}

	if _, err := loadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing policy file")
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	pol, _ := loadPolicy("")
	backend := actions.NewDryRun(log.Nop())

	c := vc.Config{PrometheusEndpoint: "http://prom:9090"}
	reg := newRegistry(context.Background(), &c, backend, pol, log.Nop())
	for _, name := range []string{"query_metrics", "query_metrics_range", "run_diagnostic"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
	if _, ok := reg.Get("query_logs"); ok {
		t.Error("query_logs registered without a loki endpoint")
	}

	c.LokiEndpoint = "http://loki:3100"
	reg = newRegistry(context.Background(), &c, backend, pol, log.Nop())
	if _, ok := reg.Get("query_logs"); !ok {
		t.Error("query_logs not registered with a loki endpoint")
	}
}

func TestNewSlackClients(t *testing.T) {
	t.Parallel()

	api, sm := newSlackClients(&vc.Config{SlackBotToken: "xoxb-1"})
	if api == nil {
		t.Fatal("api client is nil")
	}
	if sm != nil {
		t.Error("socket mode client created without app token")
	}

	api, sm = newSlackClients(&vc.Config{SlackBotToken: "xoxb-1", SlackAppToken: "xapp-1"})
	if api == nil || sm == nil {
		t.Errorf("api = %v, socket mode = %v; want both", api, sm)
	}
}
