package image

import (
	"fmt"
	"strings"
)

// SectorSize is the logical sector size of the image.
const SectorSize = 512

const mib = 1 << 20

// Fixed geometry. The area before the boot partition holds the Rockchip
// bootloader blobs.
const (
	ReservedMiB  = 16
	BootStartMiB = ReservedMiB
	BootSizeMiB  = 128
	RootStartMiB = BootStartMiB + BootSizeMiB
)

// Filesystem labels, referenced by fstab and the kernel command line.
const (
	BootLabel = "ARCHR_BOOT"
	RootLabel = "ARCHR_ROOT"
)

// Partition is one entry of the MBR partition table. A zero SizeMiB extends
// to the end of the disk.
type Partition struct {
	Label    string
	StartMiB int
	SizeMiB  int
	Type     string // sfdisk type code
	FSType   string
	Bootable bool
}

// Layout is the partition table of an image.
type Layout struct {
	SizeMiB int
	Boot    Partition
	Root    Partition
}

// NewLayout returns the fixed layout for an image of sizeMiB.
func NewLayout(sizeMiB int) (Layout, error) {
	if sizeMiB <= RootStartMiB {
		return Layout{}, fmt.Errorf("image size %d MiB leaves no room for the root partition (starts at %d MiB)", sizeMiB, RootStartMiB)
	}
	return Layout{
		SizeMiB: sizeMiB,
		Boot:    Partition{Label: BootLabel, StartMiB: BootStartMiB, SizeMiB: BootSizeMiB, Type: "c", FSType: "vfat", Bootable: true},
		Root:    Partition{Label: RootLabel, StartMiB: RootStartMiB, Type: "83", FSType: "ext4"},
	}, nil
}

// Bytes is the total image size.
func (l Layout) Bytes() int64 { return int64(l.SizeMiB) * mib }

func sectors(m int) int64 { return int64(m) * mib / SectorSize }

// SfdiskScript renders the layout as sfdisk input.
func (l Layout) SfdiskScript() string {
	var b strings.Builder
	b.WriteString("label: dos\nunit: sectors\n\n")
	for _, p := range []Partition{l.Boot, l.Root} {
		fmt.Fprintf(&b, "start=%d", sectors(p.StartMiB))
		if p.SizeMiB > 0 {
			fmt.Fprintf(&b, ", size=%d", sectors(p.SizeMiB))
		}
		fmt.Fprintf(&b, ", type=%s", p.Type)
		if p.Bootable {
			b.WriteString(", bootable")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Fstab is written to /etc/fstab of the root partition.
func (l Layout) Fstab() string {
	return fmt.Sprintf("LABEL=%s\t/\t%s\tdefaults,noatime\t0 1\nLABEL=%s\t/boot\t%s\tdefaults,noatime\t0 2\n",
		l.Root.Label, l.Root.FSType, l.Boot.Label, l.Boot.FSType)
}

// Load addresses used by the stock R36S u-boot.
const (
	KernelLoadAddr = "0x02008000"
	DTBLoadAddr    = "0x01f00000"
)

// BootIni renders the u-boot script. kernel and dtb are file names on the
// boot partition.
func BootIni(kernel, dtb, cmdline string) string {
	return fmt.Sprintf(`odroidgoa-uboot-config

setenv bootargs "%s"

setenv loadaddr "%s"
setenv dtb_loadaddr "%s"

load mmc 1:1 ${loadaddr} %s
load mmc 1:1 ${dtb_loadaddr} %s

booti ${loadaddr} - ${dtb_loadaddr}
`, cmdline, KernelLoadAddr, DTBLoadAddr, kernel, dtb)
}

// Blob is a bootloader image written raw at a fixed sector.
type Blob struct {
	File   string
	Sector int64
}

// Bootloader blobs, relative to Image.BootloaderDir.
var Bootloader = []Blob{
	{File: "idbloader.img", Sector: 64},
	{File: "uboot.img", Sector: 16384},
	{File: "trust.img", Sector: 24576},
}
