package cupsclient

import (
	"bufio"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type clientSettings struct {
	host               string
	port               int
	socket             string
	useTLS             bool
	user               string
	password           string
	insecureSkipVerify bool
}

type clientConf struct {
	serverName    string
	encryption    string
	user          string
	validateCerts *bool
}

// defaultDomainSocket is where cupsd listens locally on most systems.
const defaultDomainSocket = "/run/cups/cups.sock"

func loadClientSettings() clientSettings {
	conf := loadClientConf()
	server := conf.serverName
	if strings.TrimSpace(server) == "" {
		if _, err := os.Stat(defaultDomainSocket); err == nil {
			server = defaultDomainSocket
		}
	}
	host, port, socket, useTLS := parseServer(server)
	switch strings.ToLower(strings.TrimSpace(conf.encryption)) {
	case "never":
		useTLS = false
	case "required", "always":
		useTLS = true
	}
	if socket != "" {
		host = "localhost"
		useTLS = false
	}
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = defaultIPPPort()
	}
	user := strings.TrimSpace(conf.user)
	if user == "" {
		user = defaultUser()
	}
	insecure := conf.validateCerts != nil && !*conf.validateCerts
	if v, ok := parseBoolEnv("CUPS_IPP_INSECURE"); ok {
		insecure = v
	}
	return clientSettings{
		host:               host,
		port:               port,
		socket:             socket,
		useTLS:             useTLS,
		user:               user,
		password:           os.Getenv("CUPS_PASSWORD"),
		insecureSkipVerify: insecure,
	}
}

// loadClientConf reads the system then the per-user client.conf and lets
// the usual CUPS_* variables win over both.
func loadClientConf() clientConf {
	conf := clientConf{}
	if override := strings.TrimSpace(os.Getenv("CUPS_CLIENT_CONF")); override != "" {
		readClientConf(override, &conf)
	} else {
		readClientConf(filepath.Join(systemConfDir(), "client.conf"), &conf)
		if dir := userConfDir(); dir != "" {
			readClientConf(filepath.Join(dir, "client.conf"), &conf)
		}
	}
	if v := strings.TrimSpace(os.Getenv("CUPS_SERVER")); v != "" {
		conf.serverName = v
	}
	if v := strings.TrimSpace(os.Getenv("CUPS_ENCRYPTION")); v != "" {
		conf.encryption = v
	}
	if v := strings.TrimSpace(os.Getenv("CUPS_USER")); v != "" {
		conf.user = v
	}
	if v, ok := parseBoolEnv("CUPS_VALIDATECERTS"); ok {
		conf.validateCerts = &v
	}
	return conf
}

func readClientConf(path string, conf *clientConf) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value := strings.Trim(strings.TrimSpace(line[len(fields[0]):]), `"'`)
		switch strings.ToLower(fields[0]) {
		case "servername":
			conf.serverName = value
		case "encryption":
			conf.encryption = value
		case "user":
			conf.user = value
		case "validatecerts":
			if v, ok := parseBool(value); ok {
				conf.validateCerts = &v
			}
		}
	}
}

// parseServer understands "host", "host:port", "[v6]:port", URLs and
// absolute domain socket paths.
func parseServer(value string) (host string, port int, socket string, useTLS bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", 0, "", false
	}
	if strings.HasPrefix(value, "/") {
		return "", 0, value, false
	}
	if strings.Contains(value, "://") {
		if u, err := url.Parse(value); err == nil && u.Hostname() != "" {
			if p := u.Port(); p != "" {
				port, _ = strconv.Atoi(p)
			}
			switch strings.ToLower(u.Scheme) {
			case "https", "ipps":
				useTLS = true
			}
			return u.Hostname(), port, "", useTLS
		}
	}
	if h, p, err := net.SplitHostPort(value); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return h, n, "", false
		}
	}
	return value, 0, "", false
}

func defaultIPPPort() int {
	if v := os.Getenv("IPP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 631
}

func defaultUser() string {
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	if v := os.Getenv("LOGNAME"); v != "" {
		return v
	}
	return "anonymous"
}

func systemConfDir() string {
	if v := os.Getenv("CUPS_SERVERROOT"); v != "" {
		return v
	}
	return "/etc/cups"
}

func userConfDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cups")
	}
	return ""
}

func parseBoolEnv(name string) (bool, bool) {
	if v := os.Getenv(name); v != "" {
		return parseBool(v)
	}
	return false, false
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "yes", "on", "true":
		return true, true
	case "0", "no", "off", "false":
		return false, true
	default:
		return false, false
	}
}
