// Package netexport reads the host's network interface configuration and
// renders it as ifcfg files that can be injected into a built image.
package netexport

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"text/template"

	"github.com/vishvananda/netlink"
)

// IfcfgDir is where injected interface configs land inside the image root.
const IfcfgDir = "etc/sysconfig/network-scripts"

// InterfaceConfig describes one NIC as it should appear inside the image.
type InterfaceConfig struct {
	Name      string
	MAC       string
	Addresses []string
	Gateway   string
	MTU       int
	OnBoot    bool
}

const ifcfgTemplate = `DEVICE={{.Name}}
{{- if .MAC}}
HWADDR={{.MAC}}
{{- end}}
{{- if .Addresses}}
BOOTPROTO=static
{{- range $i, $addr := .Addresses}}
IPADDR{{if $i}}{{$i}}{{end}}={{$addr}}
{{- end}}
{{- else}}
BOOTPROTO=dhcp
{{- end}}
{{- if .Gateway}}
GATEWAY={{.Gateway}}
{{- end}}
{{- if .MTU}}
MTU={{.MTU}}
{{- end}}
ONBOOT={{if .OnBoot}}yes{{else}}no{{end}}
`

// Export enumerates the host's non-loopback interfaces with their addresses
// and the default gateway.
func Export() ([]InterfaceConfig, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	gateway := defaultGateway()

	var configs []InterfaceConfig
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("list addresses for %s: %w", attrs.Name, err)
		}

		cfg := InterfaceConfig{
			Name:    attrs.Name,
			MTU:     attrs.MTU,
			Gateway: gateway,
			OnBoot:  attrs.Flags&net.FlagUp != 0,
		}
		if len(attrs.HardwareAddr) > 0 {
			cfg.MAC = attrs.HardwareAddr.String()
		}
		for _, addr := range addrs {
			cfg.Addresses = append(cfg.Addresses, addr.IPNet.String())
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func defaultGateway() string {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return ""
	}
	for _, route := range routes {
		if route.Dst == nil && route.Gw != nil {
			return route.Gw.String()
		}
	}
	return ""
}

// Render produces the ifcfg file contents for one interface.
func Render(cfg InterfaceConfig) ([]byte, error) {
	tpl, err := template.New("ifcfg").Parse(ifcfgTemplate)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("render ifcfg for %s: %w", cfg.Name, err)
	}
	return buf.Bytes(), nil
}

// WriteInto writes one ifcfg file per interface under the image root.
func WriteInto(rootDir string, configs []InterfaceConfig) error {
	dir := filepath.Join(rootDir, IfcfgDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	for _, cfg := range configs {
		contents, err := Render(cfg)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, "ifcfg-"+cfg.Name)
		if err := os.WriteFile(path, contents, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}
