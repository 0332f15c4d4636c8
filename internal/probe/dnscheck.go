package probe

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// DNS classes reported next to transport failures.
const (
	DNSResolves    = "RESOLVES"
	DNSNXDomain    = "NXDOMAIN"
	DNSNoARecord   = "NO_A_RECORD"
	DNSServfail    = "SERVFAIL_or_TIMEOUT"
	DNSInvalidName = "INVALID_NAME"
)

var dnsTimeout = 3 * time.Second

// ClassifyHost resolves host and buckets the answer so a failed run says
// whether the name itself was the problem.
func ClassifyHost(ctx context.Context, host string) string {
	host = strings.TrimSpace(host)
	if host == "" || strings.Contains(host, "://") {
		return DNSInvalidName
	}
	if net.ParseIP(host) != nil {
		return DNSResolves
	}

	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()
	r := &net.Resolver{}

	ips, err := r.LookupIP(ctx, "ip", host)
	if err == nil && len(ips) > 0 {
		return DNSResolves
	}

	class := DNSServfail
	var de *net.DNSError
	if errors.As(err, &de) && de.IsNotFound {
		class = DNSNXDomain
	}
	if class == DNSNXDomain {
		// a delegated zone without address records
		if ns, err := r.LookupNS(ctx, host); err == nil && len(ns) > 0 {
			class = DNSNoARecord
		}
	}
	return class
}
