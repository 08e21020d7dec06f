package backend

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// DNSSDSource turns IPP printers announced on the local network into
// temporary destinations, the same way CUPS offers driverless printers
// before a queue exists for them.
type DNSSDSource struct {
	Services []string
	Timeout  time.Duration
	// Query defaults to mdns.Query.
	Query func(*mdns.QueryParam) error
}

func NewDNSSDSource(timeout time.Duration) *DNSSDSource {
	return &DNSSDSource{
		Services: []string{"_ipps._tcp", "_ipp._tcp"},
		Timeout:  timeout,
		Query:    mdns.Query,
	}
}

func (s *DNSSDSource) Name() string { return "dnssd" }

func (s *DNSSDSource) Enumerate(ctx context.Context, filter Filter, yield func(Dest) bool) error {
	if filter.ExcludeTemporary {
		return nil
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return ctx.Err()
	}
	query := s.Query
	if query == nil {
		query = mdns.Query
	}

	seen := map[string]bool{}
	for _, service := range s.Services {
		entries := make(chan *mdns.ServiceEntry, 32)
		go func() {
			_ = query(&mdns.QueryParam{
				Service:             service,
				Domain:              "local",
				Timeout:             timeout,
				Entries:             entries,
				WantUnicastResponse: false,
			})
			close(entries)
		}()
		stop := false
		for entry := range entries {
			if stop || entry == nil {
				continue
			}
			if ctx.Err() != nil {
				stop = true
				continue
			}
			d, ok := destFromEntry(service, entry)
			if !ok || seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			if !yield(d) {
				stop = true
			}
		}
		if stop {
			break
		}
	}
	return ctx.Err()
}

func destFromEntry(service string, entry *mdns.ServiceEntry) (Dest, bool) {
	host := strings.TrimSuffix(entry.Host, ".")
	if host == "" && entry.AddrV4 != nil {
		host = entry.AddrV4.String()
	} else if host == "" && entry.AddrV6 != nil {
		host = "[" + entry.AddrV6.String() + "]"
	}
	if host == "" || entry.Port == 0 {
		return Dest{}, false
	}
	instance := instanceName(entry.Name, service)
	txt := parseTxtRecords(entry.InfoFields)
	uri := buildIPPURI(service, host, entry.Port, txt)
	d := Dest{
		Name:      queueName(instance),
		DeviceURI: uri,
		Options: map[string]string{
			"device-uri":                uri,
			"printer-info":              firstNonEmpty(instance, txt["ty"]),
			"printer-location":          txt["note"],
			"printer-make-and-model":    firstNonEmpty(txt["ty"], txt["product"], "IPP Everywhere"),
			"printer-state":             "3",
			"printer-is-accepting-jobs": "true",
			"printer-type":              strconv.Itoa(PrinterTypeLocal),
		},
	}
	return d, d.Name != ""
}

// instanceName strips the service and domain suffix mdns leaves on the
// entry name.
func instanceName(name, service string) string {
	name = strings.TrimSuffix(name, ".")
	if i := strings.Index(name, "."+service); i > 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, `\ `, " ")
}

// queueName derives a CUPS-safe queue name: runs of anything outside
// [A-Za-z0-9] collapse into one underscore.
func queueName(instance string) string {
	var b strings.Builder
	under := false
	for _, r := range instance {
		if r < 0x80 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			b.WriteRune(r)
			under = false
			continue
		}
		if !under && b.Len() > 0 {
			b.WriteByte('_')
			under = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func parseTxtRecords(records []string) map[string]string {
	out := map[string]string{}
	for _, record := range records {
		parts := strings.SplitN(strings.TrimSpace(record), "=", 2)
		if len(parts) != 2 {
			continue
		}
		if key := strings.TrimSpace(parts[0]); key != "" {
			out[strings.ToLower(key)] = strings.TrimSpace(parts[1])
		}
	}
	return out
}

func buildIPPURI(service, host string, port int, txt map[string]string) string {
	scheme := "ipp"
	if strings.Contains(service, "ipps") {
		scheme = "ipps"
	}
	resource := strings.TrimPrefix(txt["rp"], "/")
	if resource == "" {
		resource = "ipp/print"
	}
	return scheme + "://" + host + ":" + strconv.Itoa(port) + "/" + resource
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
