//go:build linux

package tap

import (
	"fmt"
	"net"
	"os/exec"

	"github.com/songgao/water"
)

// LinuxTAP implements Device using songgao/water for the descriptor
// and the ip(8) CLI for interface configuration.
type LinuxTAP struct {
	iface *water.Interface
	name  string
}

// New creates a new TAP device on Linux.
// If name is empty, the OS assigns a name.
func New(name string) (*LinuxTAP, error) {
	config := water.Config{
		DeviceType: water.TAP,
	}
	if name != "" {
		config.Name = name
	}
	iface, err := water.New(config)
	if err != nil {
		return nil, fmt.Errorf("create TAP device: %w", err)
	}
	return &LinuxTAP{
		iface: iface,
		name:  iface.Name(),
	}, nil
}

func (d *LinuxTAP) Name() string {
	return d.name
}

func (d *LinuxTAP) Read(buf []byte) (int, error) {
	return d.iface.Read(buf)
}

func (d *LinuxTAP) Write(buf []byte) (int, error) {
	return d.iface.Write(buf)
}

func (d *LinuxTAP) SetMTU(mtu int) error {
	if err := exec.Command("ip", "link", "set", "dev", d.name, "mtu", fmt.Sprintf("%d", mtu)).Run(); err != nil {
		return fmt.Errorf("set mtu %d on %s: %w", mtu, d.name, err)
	}
	return nil
}

func (d *LinuxTAP) SetMACAddress(mac net.HardwareAddr) error {
	// Must bring interface down first to change MAC
	if err := exec.Command("ip", "link", "set", "dev", d.name, "down").Run(); err != nil {
		return fmt.Errorf("bring down interface: %w", err)
	}
	if err := exec.Command("ip", "link", "set", "dev", d.name, "address", mac.String()).Run(); err != nil {
		return fmt.Errorf("set MAC address: %w", err)
	}
	// The link is left down; bringing it up is SetUp's job.
	return nil
}

func (d *LinuxTAP) AddIPAddress(ip net.IP, mask net.IPMask) error {
	ones, _ := mask.Size()
	cidr := fmt.Sprintf("%s/%d", ip.String(), ones)
	if err := exec.Command("ip", "addr", "add", cidr, "dev", d.name).Run(); err != nil {
		return fmt.Errorf("add address %s to %s: %w", cidr, d.name, err)
	}
	return nil
}

func (d *LinuxTAP) SetUp() error {
	if err := exec.Command("ip", "link", "set", "dev", d.name, "up").Run(); err != nil {
		return fmt.Errorf("bring up %s: %w", d.name, err)
	}
	return nil
}

func (d *LinuxTAP) Close() error {
	// Delete the interface
	_ = exec.Command("ip", "link", "delete", d.name).Run()
	return d.iface.Close()
}
