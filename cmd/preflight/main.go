// cmd/preflight/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/hamed0406/canarywatch/internal/config"
	"github.com/hamed0406/canarywatch/internal/probe"
)

func main() {
	os.Exit(check(os.Stdout, os.Stderr, config.FromEnv(), resolve))
}

func resolve(ctx context.Context, host string) string {
	return probe.ClassifyHost(ctx, host)
}

// check prints one line per finding and returns the process exit code.
func check(stdout, stderr io.Writer, cfg config.Config, classify func(context.Context, string) string) int {
	failed := false
	fail := func(msg string) {
		fmt.Fprintln(stderr, "✖", msg)
		failed = true
	}
	warn := func(msg string) { fmt.Fprintln(stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Fprintln(stdout, "✔", msg) }

	var defs config.Definitions
	if cfg.DefinitionsFile != "" {
		d, err := config.LoadDefinitions(cfg.DefinitionsFile)
		if err != nil {
			fail("definitions file " + cfg.DefinitionsFile + " is invalid:")
			for _, e := range multierr.Errors(err) {
				fmt.Fprintln(stderr, "   -", e)
			}
		} else {
			defs = d
			ok(fmt.Sprintf("definitions: %d probes, %d alarms, %d topics", len(d.Probes), len(d.Alarms), len(d.Topics)))
		}
	} else {
		missing := cfg.Missing()
		if len(missing) > 0 {
			fail((&config.MissingError{Vars: missing}).Error())
		} else {
			defs = config.DefaultDefinitions(cfg)
			if err := defs.Validate(); err != nil {
				for _, e := range multierr.Errors(err) {
					fail(e.Error())
				}
			} else {
				ok("default canaries: api=" + cfg.APIEndpoint() + " site=" + cfg.WebsiteURL)
			}
		}
	}

	for _, host := range targetHosts(defs) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		class := classify(ctx, host)
		cancel()
		if class == probe.DNSResolves {
			ok("target " + host + " resolves")
		} else {
			warn("target " + host + " dns=" + class)
		}
	}

	if hasEmail(defs) && cfg.SMTP.Host == "" {
		fail("SMTP_HOST is empty but email subscribers are configured")
	}

	if len(cfg.PublicAPIKeys) == 0 && len(cfg.AdminAPIKeys) == 0 {
		warn("PUBLIC_API_KEYS and ADMIN_API_KEYS are empty; the read API is open")
	}
	for name, keys := range map[string][]string{"ADMIN_API_KEYS": cfg.AdminAPIKeys, "PUBLIC_API_KEYS": cfg.PublicAPIKeys} {
		for _, k := range keys {
			if len(k) < 12 {
				warn(name + " contains a key shorter than 12 characters")
				break
			}
		}
	}

	if cfg.DatabaseURL == "" {
		warn("DATABASE_URL empty; outcomes and alarm history stay in memory")
	} else {
		ok("DATABASE_URL present")
	}

	switch {
	case cfg.Artifacts.Endpoint != "":
		if cfg.Artifacts.AccessKey == "" || cfg.Artifacts.SecretKey == "" {
			fail("ARTIFACT_ENDPOINT is set without ARTIFACT_ACCESS_KEY/ARTIFACT_SECRET_KEY")
		} else {
			ok("artifacts go to bucket " + cfg.Artifacts.Bucket)
		}
	case cfg.Artifacts.Dir != "":
		ok("artifacts go to " + cfg.Artifacts.Dir)
	default:
		warn("no ARTIFACT_ENDPOINT or ARTIFACT_DIR; visual probe snapshots are not kept")
	}

	if failed {
		return 1
	}
	ok("preflight passed")
	return 0
}

func targetHosts(defs config.Definitions) []string {
	seen := map[string]bool{}
	var hosts []string
	for _, p := range defs.Probes {
		var raw string
		switch {
		case p.API != nil:
			raw = p.API.URL
		case p.Visual != nil:
			raw = p.Visual.URL
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" || seen[u.Hostname()] {
			continue
		}
		seen[u.Hostname()] = true
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}

func hasEmail(defs config.Definitions) bool {
	for _, t := range defs.Topics {
		for _, s := range t.Subscribers {
			if strings.EqualFold(s.Kind, "email") {
				return true
			}
		}
	}
	return false
}
