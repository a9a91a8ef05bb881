package netexport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestRenderStatic covers a fully specified interface.
func TestRenderStatic(t *testing.T) {
	cfg := InterfaceConfig{
		Name:      "eth0",
		MAC:       "52:54:00:12:34:56",
		Addresses: []string{"192.168.1.10/24", "192.168.1.11/24"},
		Gateway:   "192.168.1.1",
		MTU:       1500,
		OnBoot:    true,
	}

	out, err := Render(cfg)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	rendered := string(out)

	for _, want := range []string{
		"DEVICE=eth0",
		"HWADDR=52:54:00:12:34:56",
		"BOOTPROTO=static",
		"IPADDR=192.168.1.10/24",
		"IPADDR1=192.168.1.11/24",
		"GATEWAY=192.168.1.1",
		"MTU=1500",
		"ONBOOT=yes",
	} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered config missing %q:\n%s", want, rendered)
		}
	}
}

// TestRenderDHCP verifies an addressless interface falls back to dhcp and
// omits the optional lines.
func TestRenderDHCP(t *testing.T) {
	cfg := InterfaceConfig{Name: "eth1"}

	out, err := Render(cfg)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	rendered := string(out)

	if !strings.Contains(rendered, "BOOTPROTO=dhcp") {
		t.Errorf("missing dhcp fallback:\n%s", rendered)
	}
	if !strings.Contains(rendered, "ONBOOT=no") {
		t.Errorf("missing ONBOOT=no:\n%s", rendered)
	}
	for _, absent := range []string{"HWADDR", "IPADDR", "GATEWAY", "MTU"} {
		if strings.Contains(rendered, absent) {
			t.Errorf("unexpected %s line:\n%s", absent, rendered)
		}
	}
}

// TestWriteInto verifies one ifcfg file lands per interface under the
// network-scripts directory.
func TestWriteInto(t *testing.T) {
	root := t.TempDir()
	configs := []InterfaceConfig{
		{Name: "eth0", Addresses: []string{"10.0.0.2/24"}, OnBoot: true},
		{Name: "eth1"},
	}

	if err := WriteInto(root, configs); err != nil {
		t.Fatalf("WriteInto failed: %v", err)
	}

	dir := filepath.Join(root, IfcfgDir)
	for _, name := range []string{"ifcfg-eth0", "ifcfg-eth1"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s missing: %v", name, err)
			continue
		}
		if !strings.Contains(string(data), "DEVICE=") {
			t.Errorf("%s has no DEVICE line:\n%s", name, data)
		}
	}
}
