package pack

import (
	"bytes"
	"net/url"
	"os"
	"path/filepath"
	"text/template"

	"github.com/google/uuid"
)

// The {basepath} placeholders are intentional: libvirt needs fully
// specified paths, so consumers substitute their own location before use.
const virtTemplate = `<domain type='kvm'>
  <name>{{.Name}}</name>
  <memory unit='bytes'>{{.Memory}}</memory>
  <vcpu>1</vcpu>
  <os>
    <type>hvm</type>
    <kernel>{{.Kernel}}</kernel>
    <initrd>{{.Initrd}}</initrd>
    <cmdline>root=LABEL=root ro</cmdline>
  </os>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='{{.DiskFormat}}'/>
      <source file='{{.Root}}'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <console type='pty'/>
  </devices>
</domain>
`

type virtParams struct {
	Name       string
	Memory     int64
	Kernel     string
	Initrd     string
	Root       string
	DiskFormat string
}

// writeVirtXML renders the libvirt helper file next to the converted image.
func writeVirtXML(stage, kernel, ramdisk, imageName string) error {
	// A stable name derived from the artifact file names.
	seed := "http://imgforge/" + url.PathEscape(imageName) + "/" +
		url.PathEscape(kernel) + "/" + url.PathEscape(ramdisk)

	params := virtParams{
		Name:       uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String(),
		Memory:     512 * 1024 * 1024,
		Kernel:     "{basepath}/" + kernel,
		Initrd:     "{basepath}/" + ramdisk,
		Root:       "{basepath}/" + imageName,
		DiskFormat: filepath.Ext(imageName)[1:],
	}

	tpl, err := template.New("virt").Parse(virtTemplate)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, params); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stage, "libvirt.xml"), buf.Bytes(), 0o644)
}
