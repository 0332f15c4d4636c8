package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hamed0406/canarywatch/internal/config"
	"github.com/hamed0406/canarywatch/internal/probe"
)

func resolvesAll(context.Context, string) string { return probe.DNSResolves }

func TestCheck_DefaultCanariesComplete(t *testing.T) {
	cfg := config.Config{
		Stage:             "prod",
		NotificationEmail: "ops@example.com",
		AppAPIURL:         "actors",
		AppAPIHost:        "api.example.com",
		AppAPIProtocol:    "https",
		WebsiteURL:        "https://www.example.com",
		ProbeRate:         60e9,
		ProbeTimeout:      10e9,
		SMTP:              config.SMTP{Host: "smtp.example.com", Port: 587},
		Artifacts:         config.Artifacts{Dir: "/tmp/artifacts", Bucket: "canary-assets-bucket"},
		PublicAPIKeys:     []string{"public-key-0001"},
	}
	var out, errOut bytes.Buffer
	if code := check(&out, &errOut, cfg, resolvesAll); code != 0 {
		t.Fatalf("want exit 0, got %d\nstderr:\n%s", code, errOut.String())
	}
	for _, want := range []string{"https://api.example.com/prod/actors", "target api.example.com resolves", "preflight passed"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("stdout missing %q:\n%s", want, out.String())
		}
	}
}

func TestCheck_MissingEnvFails(t *testing.T) {
	var out, errOut bytes.Buffer
	code := check(&out, &errOut, config.Config{AppAPIProtocol: "https"}, resolvesAll)
	if code != 1 {
		t.Fatalf("want exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "NOTIFICATION_EMAIL") || !strings.Contains(errOut.String(), "WEBSITE_URL") {
		t.Fatalf("stderr should name the missing variables:\n%s", errOut.String())
	}
	if strings.Contains(out.String(), "preflight passed") {
		t.Fatal("failed preflight must not report success")
	}
}

func TestCheck_DefinitionsFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(`
probes:
  - id: api
    api: {url: "https://api.example.com/actors"}
alarms:
  - id: api-alarm
    probe_id: api
    threshold: 90
`), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte(`
probes:
  - id: api
    kind: ftp
alarms:
  - id: a
    probe_id: nope
    threshold: 150
`), 0o644); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	nxdomain := func(context.Context, string) string { return probe.DNSNXDomain }
	if code := check(&out, &errOut, config.Config{DefinitionsFile: good}, nxdomain); code != 0 {
		t.Fatalf("good file: want 0 got %d\n%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "1 probes, 1 alarms, 0 topics") {
		t.Fatalf("unexpected stdout:\n%s", out.String())
	}
	if !strings.Contains(errOut.String(), "dns=NXDOMAIN") {
		t.Fatalf("dns problems should be warned about:\n%s", errOut.String())
	}

	out.Reset()
	errOut.Reset()
	if code := check(&out, &errOut, config.Config{DefinitionsFile: bad}, resolvesAll); code != 1 {
		t.Fatalf("bad file: want 1 got %d", code)
	}
	for _, want := range []string{"kind \"ftp\" unknown", "probe_id \"nope\"", "threshold 150"} {
		if !strings.Contains(errOut.String(), want) {
			t.Fatalf("stderr missing %q:\n%s", want, errOut.String())
		}
	}
}
