package backend

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"cpdbcups/internal/model"
)

const (
	oidHrDeviceStatus  = ".1.3.6.1.2.1.25.3.2.1.5.1"
	oidHrPrinterStatus = ".1.3.6.1.2.1.25.3.5.1.1.1"
)

// StateProber asks a network printer for its state over SNMP. It is the
// fallback for temporary destinations whose IPP endpoint does not answer.
type StateProber struct {
	Community string
	Port      uint16
	Timeout   time.Duration
	// Get defaults to a real SNMP v2c request.
	Get func(ctx context.Context, params *gosnmp.GoSNMP, oids []string) (*gosnmp.SnmpPacket, error)
}

func NewStateProber(community string) *StateProber {
	return &StateProber{Community: community, Port: 161, Timeout: 2 * time.Second}
}

// ProbeState returns the cpdb state name for the device behind deviceURI.
func (p *StateProber) ProbeState(ctx context.Context, deviceURI string) (string, error) {
	host := hostFromURI(deviceURI)
	if host == "" {
		return model.NA, WrapUnsupported("snmp probe", deviceURI, errors.New("no host in device uri"))
	}
	params := newSNMPParams(host, p.Port, p.Community, p.Timeout)
	get := p.Get
	if get == nil {
		get = snmpGet
	}
	result, err := get(ctx, params, []string{oidHrDeviceStatus, oidHrPrinterStatus})
	if err != nil {
		return model.NA, WrapTemporary("snmp probe", deviceURI, err)
	}
	deviceStatus, printerStatus := 0, 0
	for _, v := range result.Variables {
		n, ok := snmpToInt(v.Value)
		if !ok {
			continue
		}
		switch v.Name {
		case oidHrDeviceStatus:
			deviceStatus = n
		case oidHrPrinterStatus:
			printerStatus = n
		}
	}
	return snmpStateName(deviceStatus, printerStatus), nil
}

// snmpStateName folds HOST-RESOURCES-MIB status values into cpdb state
// names. hrDeviceStatus down(5) wins over whatever the printer reports.
func snmpStateName(deviceStatus, printerStatus int) string {
	if deviceStatus == 5 {
		return model.StateStopped
	}
	switch printerStatus {
	case 3, 5: // idle, warmup
		return model.StateIdle
	case 4:
		return model.StatePrinting
	case 1:
		return model.StateStopped
	default:
		return model.NA
	}
}

func snmpGet(ctx context.Context, params *gosnmp.GoSNMP, oids []string) (*gosnmp.SnmpPacket, error) {
	params.Context = ctx
	if err := params.Connect(); err != nil {
		return nil, err
	}
	defer params.Conn.Close()
	return params.Get(oids)
}

func newSNMPParams(host string, port uint16, community string, timeout time.Duration) *gosnmp.GoSNMP {
	if port == 0 {
		port = 161
	}
	if community == "" {
		community = "public"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   1,
	}
}

func hostFromURI(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func snmpToInt(val any) (int, bool) {
	if val == nil {
		return 0, false
	}
	if bi := gosnmp.ToBigInt(val); bi != nil {
		return int(bi.Int64()), true
	}
	if s, ok := val.(string); ok {
		n, err := strconv.Atoi(s)
		return n, err == nil
	}
	return 0, false
}
