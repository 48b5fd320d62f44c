package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"periph.io/x/conn/v3/physic"

	"github.com/flashkit/spiflash/binutil"
	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/transport/bitbang"
	"github.com/flashkit/spiflash/transport/bitbang/serialpins"
	"github.com/flashkit/spiflash/transport/ftdispi"
	"github.com/flashkit/spiflash/transport/raiden"
)

// openProgrammer parses a programmer spec of the form "name[:k=v,k2=v2]"
// (spec §6's programmer-parameter grammar) and opens the matching
// transport.
func openProgrammer(spec string) (master.Master, error) {
	name, paramStr, _ := strings.Cut(spec, ":")
	params := master.ParseParams(paramStr)

	switch name {
	case "ftdispi":
		cfg := ftdispi.Config{}
		if v, ok := params.Get(master.ParamSPISpeed); ok {
			hz, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("ftdispi: invalid spispeed %q: %w", v, err)
			}
			cfg.Clock = physic.Frequency(hz) * physic.Hertz
		}
		return ftdispi.Open(cfg)

	case "raiden":
		cfg := raiden.USBConfig{Target: raiden.TargetDefault}
		if v, ok := params.Get(master.ParamBus); ok {
			vidStr, pidStr, found := strings.Cut(v, ":")
			if !found {
				return nil, fmt.Errorf("raiden: bus= must be \"vendor:product\" in hex, got %q", v)
			}
			vid, err := binutil.ParseHexID(vidStr)
			if err != nil {
				return nil, fmt.Errorf("raiden: bus=: %w", err)
			}
			pid, err := binutil.ParseHexID(pidStr)
			if err != nil {
				return nil, fmt.Errorf("raiden: bus=: %w", err)
			}
			cfg.VendorID, cfg.ProductID = gousb.ID(vid), gousb.ID(pid)
		}
		switch params.GetOr(master.ParamTarget, "") {
		case "ap":
			cfg.Target = raiden.TargetAP
		case "ec":
			cfg.Target = raiden.TargetEC
		case "h1":
			cfg.Target = raiden.TargetH1
		case "":
		default:
			return nil, fmt.Errorf("raiden: unknown target %q (want ap, ec or h1)", params.GetOr(master.ParamTarget, ""))
		}
		return raiden.Open(cfg)

	case "serial-bitbang":
		dev, ok := params.Get(master.ParamDev)
		if !ok {
			return nil, fmt.Errorf("serial-bitbang: dev= parameter is required")
		}
		baud := 115200
		if v, ok := params.Get("baud"); ok {
			b, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("serial-bitbang: invalid baud %q: %w", v, err)
			}
			baud = b
		}
		pins, err := serialpins.Open(dev, baud, serialpins.DefaultLineMap)
		if err != nil {
			return nil, err
		}
		return bitbang.New(pins, bitbang.Config{HalfPeriod: time.Microsecond}), nil

	default:
		return nil, fmt.Errorf("unknown programmer %q (want ftdispi, raiden, or serial-bitbang)", name)
	}
}
