package raiden

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/flashkit/spiflash/master"
)

// Target selects which SPI bus the Raiden adapter's control-transfer
// enables, bit-exact with original_source/raiden_debug_spi.c's
// RAIDEN_DEBUG_SPI_REQ_ENABLE_* enum (spec §4.7.1: "vendor-request enum
// selects AP/EC/H1 before streaming starts").
type Target uint16

const (
	TargetDefault Target = 0x0000 // REQ_ENABLE: rejected by multi-target adapters
	TargetDisable Target = 0x0001
	TargetAP      Target = 0x0002
	TargetEC      Target = 0x0003
	TargetH1      Target = 0x0004
)

const (
	vendorIDGoogle = 0x18d1

	// bRequest used for every Raiden vendor control transfer; the target
	// selector is carried in wValue (original_source/raiden_debug_spi.c).
	vendorRequestEnable = 0x00
)

// Config's device-selection knobs, kept out of Config to avoid forcing
// gousb types on the framing-only tests.
type USBConfig struct {
	Config
	// VendorID/ProductID default to Google's vendor ID and 0x501c, the
	// Raiden debug-SPI product ID original_source/raiden_debug_spi.c's
	// udev rules match on.
	VendorID, ProductID gousb.ID
	Target              Target
	Timeout             time.Duration
}

func (c USBConfig) withDefaults() USBConfig {
	c.Config = c.Config.withDefaults()
	if c.VendorID == 0 {
		c.VendorID = gousb.ID(vendorIDGoogle)
	}
	if c.ProductID == 0 {
		c.ProductID = gousb.ID(0x501c)
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

// usbEndpoint adapts a gousb in/out endpoint pair to the endpoint
// interface, framing every transfer at the fixed 64B packet size.
type usbEndpoint struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	intf    *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	timeout time.Duration
}

// Open enumerates USB devices for a Raiden adapter, claims its debug-SPI
// interface, and issues the target-select vendor control transfer before
// returning a ready-to-use Master (spec §4.7.1).
func Open(cfg USBConfig) (*Master, error) {
	protocolSet := cfg.Protocol != 0
	cfg = cfg.withDefaults()

	usbCtx := gousb.NewContext()
	dev, err := usbCtx.OpenDeviceWithVIDPID(cfg.VendorID, cfg.ProductID)
	if err != nil {
		usbCtx.Close()
		return nil, master.Wrap(master.ErrTransport, "raiden.Open", err)
	}
	if dev == nil {
		usbCtx.Close()
		return nil, master.Wrap(master.ErrTransport, "raiden.Open", fmt.Errorf("no Raiden device matching vid=%s pid=%s", cfg.VendorID, cfg.ProductID))
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, master.Wrap(master.ErrTransport, "raiden.Open", err)
	}

	cfgHandle, err := dev.Config(1)
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, master.Wrap(master.ErrTransport, "raiden.Open", err)
	}
	intf, err := cfgHandle.Interface(0, 0)
	if err != nil {
		cfgHandle.Close()
		dev.Close()
		usbCtx.Close()
		return nil, master.Wrap(master.ErrTransport, "raiden.Open", err)
	}

	inEP, err := findInEndpoint(intf)
	if err != nil {
		intf.Close()
		cfgHandle.Close()
		dev.Close()
		usbCtx.Close()
		return nil, master.Wrap(master.ErrTransport, "raiden.Open", err)
	}
	outEP, err := findOutEndpoint(intf)
	if err != nil {
		intf.Close()
		cfgHandle.Close()
		dev.Close()
		usbCtx.Close()
		return nil, master.Wrap(master.ErrTransport, "raiden.Open", err)
	}

	if !protocolSet {
		if p := Protocol(intf.Setting.Protocol); p == ProtocolV1 || p == ProtocolV2 {
			cfg.Protocol = p
		}
	}

	target := cfg.Target
	if target == 0 {
		target = TargetDefault
	}
	if _, err := dev.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlInterface,
		vendorRequestEnable, uint16(target), uint16(intf.Setting.Number), nil,
	); err != nil {
		intf.Close()
		cfgHandle.Close()
		dev.Close()
		usbCtx.Close()
		return nil, master.Wrap(master.ErrTransport, "raiden.Open", fmt.Errorf("target select: %w", err))
	}
	// original_source/raiden_debug_spi.c sleeps after enabling AP/EC so the
	// adapter's own bus mux settles before the first transaction.
	if target == TargetAP || target == TargetEC {
		time.Sleep(50 * time.Millisecond)
	}

	ep := &usbEndpoint{ctx: usbCtx, dev: dev, intf: intf, in: inEP, out: outEP, timeout: cfg.Timeout}
	return newMaster(ep, cfg.Config), nil
}

// findInEndpoint/findOutEndpoint pick the bulk endpoint of the requested
// direction from the interface's current alt-setting descriptor.
func findInEndpoint(intf *gousb.Interface) (*gousb.InEndpoint, error) {
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn {
			return intf.InEndpoint(ep.Number)
		}
	}
	return nil, fmt.Errorf("no bulk IN endpoint found")
}

func findOutEndpoint(intf *gousb.Interface) (*gousb.OutEndpoint, error) {
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionOut {
			return intf.OutEndpoint(ep.Number)
		}
	}
	return nil, fmt.Errorf("no bulk OUT endpoint found")
}

func (e *usbEndpoint) writePacket(ctx context.Context, buf []byte) error {
	padded := make([]byte, packetSize)
	copy(padded, buf)
	_, err := e.out.WriteContext(ctx, padded)
	return err
}

func (e *usbEndpoint) readPacket(ctx context.Context) ([]byte, error) {
	buf := make([]byte, packetSize)
	n, err := e.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Close releases the USB interface, device, and context, in the reverse
// of the order Open acquired them; the configuration handle Open took is
// not closed here.
func (e *usbEndpoint) Close() error {
	e.intf.Close()
	e.dev.Close()
	return e.ctx.Close()
}
