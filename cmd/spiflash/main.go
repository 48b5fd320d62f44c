// Command spiflash is a CLI front end over the flashrom package: probe,
// read, write, erase and dump chip info, selecting a transport with
// -programmer the way flashrom's own command line does.
//
// Grounded on cmd/gice/main.go's fatalf/fatalUsage/usage dispatch style,
// generalized from gice's fixed read/write pair to the full op set spec
// §4.8 and §6 describe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"zappem.net/pub/debug/xxd"

	"github.com/flashkit/spiflash/chip"
	"github.com/flashkit/spiflash/flashrom"
)

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	spiflash <command> [arguments]

Commands:
	probe	 identify the chip attached to a programmer, without touching it
	info	 print the probed chip's registry entry (size, erasers, features)
	read	 read a region of flash to a file
	write	 write a file to a region of flash
	erase	 erase a region (or the whole chip)
`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	ctx := context.Background()
	switch cmd := flag.Arg(0); cmd {
	case "probe":
		probeCmd(ctx, flag.Args()[1:])
	case "info":
		infoCmd(ctx, flag.Args()[1:])
	case "read":
		readCmd(ctx, flag.Args()[1:])
	case "write":
		writeCmd(ctx, flag.Args()[1:])
	case "erase":
		eraseCmd(ctx, flag.Args()[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		usage()
	}
}

// commonFlags is the -programmer flag every subcommand shares.
type commonFlags struct {
	programmer string
}

func addCommonFlags(fs *flag.FlagSet, c *commonFlags) {
	fs.StringVar(&c.programmer, "programmer", "", "programmer spec, e.g. \"ftdispi\" or \"raiden:target=ap\" (required)")
}

// openAndBind opens the requested programmer, probes its attached chip,
// and binds a flashrom.Context over it.
func openAndBind(ctx context.Context, programmerSpec string) (*flashrom.Context, error) {
	if programmerSpec == "" {
		return nil, fmt.Errorf("-programmer is required")
	}
	m, err := openProgrammer(programmerSpec)
	if err != nil {
		return nil, err
	}

	id, err := chip.ProbeRDIDBytes(ctx, m)
	if err != nil {
		_ = m.Shutdown(ctx)
		return nil, fmt.Errorf("probe: %w", err)
	}
	c, err := chip.Lookup(id[:])
	if err != nil {
		_ = m.Shutdown(ctx)
		return nil, fmt.Errorf("chip lookup for ID % x: %w", id, err)
	}

	fc, err := flashrom.Bind(c, m, nil)
	if err != nil {
		_ = m.Shutdown(ctx)
		return nil, err
	}
	fc.LogCallback = func(format string, args ...any) { fmt.Fprintf(os.Stderr, "spiflash: "+format+"\n", args...) }
	return fc, nil
}

func probeCmd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	var c commonFlags
	addCommonFlags(fs, &c)
	fs.Parse(args)
	if c.programmer == "" {
		fatalUsage("probe: -programmer is required")
	}

	m, err := openProgrammer(c.programmer)
	if err != nil {
		fatalf("probe: %v", err)
	}
	defer m.Shutdown(ctx)

	id, err := chip.ProbeRDIDBytes(ctx, m)
	if err != nil {
		fatalf("probe: RDID failed: %v", err)
	}
	found, err := chip.Lookup(id[:])
	if err != nil {
		fatalf("probe: ID % x did not match any registry entry: %v", id, err)
	}
	fmt.Printf("%s %s (ID % x, %d bytes)\n", found.Vendor, found.Name, id, found.TotalSizeBytes)
}

func infoCmd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	var c commonFlags
	addCommonFlags(fs, &c)
	fs.Parse(args)

	fc, err := openAndBind(ctx, c.programmer)
	if err != nil {
		fatalf("info: %v", err)
	}
	defer fc.Shutdown(ctx)

	ch := fc.Chip
	fmt.Printf("%s %s\n", ch.Vendor, ch.Name)
	fmt.Printf("  size:       %d bytes\n", ch.TotalSizeBytes)
	fmt.Printf("  page size:  %d bytes\n", ch.PageSize)
	fmt.Printf("  features:   0x%08x\n", uint32(ch.FeatureBits))
	for i, e := range ch.BlockErasers {
		if e.TotalBytes() == 0 {
			continue
		}
		fmt.Printf("  eraser[%d]:  opcode=%v granularity=%d total=%d\n", i, e.OpcodeTag, e.Layout[0].Size, e.TotalBytes())
	}
}

func readCmd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var c commonFlags
	addCommonFlags(fs, &c)
	addr := fs.Uint("addr", 0, "start address")
	length := fs.Uint("length", 0, "bytes to read (required)")
	outFile := fs.String("out", "", "output file (required unless -hexdump is set)")
	hexdump := fs.Bool("hexdump", false, "print a hex dump instead of writing -out")
	fs.Parse(args)
	if *length == 0 {
		fatalUsage("read: -length is required")
	}

	fc, err := openAndBind(ctx, c.programmer)
	if err != nil {
		fatalf("read: %v", err)
	}
	defer fc.Shutdown(ctx)

	buf := make([]byte, *length)
	if err := fc.Read(ctx, buf, uint32(*addr)); err != nil {
		fatalf("read: %v", err)
	}

	if *hexdump {
		xxd.Print(int(*addr), buf)
		return
	}
	if *outFile == "" {
		fatalUsage("read: -out is required unless -hexdump is set")
	}
	if err := os.WriteFile(*outFile, buf, 0o644); err != nil {
		fatalf("read: writing %s: %v", *outFile, err)
	}
}

func writeCmd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var c commonFlags
	addCommonFlags(fs, &c)
	addr := fs.Uint("addr", 0, "start address")
	inFile := fs.String("in", "", "input file (required)")
	verify := fs.Bool("verify", true, "read back and verify every chunk")
	rmw := fs.Bool("erase", false, "erase-when-needed before writing (read-modify-write)")
	fs.Parse(args)
	if *inFile == "" {
		fatalUsage("write: -in is required")
	}

	buf, err := os.ReadFile(*inFile)
	if err != nil {
		fatalf("write: reading %s: %v", *inFile, err)
	}

	fc, err := openAndBind(ctx, c.programmer)
	if err != nil {
		fatalf("write: %v", err)
	}
	defer fc.Shutdown(ctx)

	opts := flashrom.WriteOptions{Verify: *verify, ReadModifyWrite: *rmw}
	if err := fc.Write(ctx, buf, uint32(*addr), opts); err != nil {
		fatalf("write: %v", err)
	}
}

func eraseCmd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	var c commonFlags
	addCommonFlags(fs, &c)
	addr := fs.Uint("addr", 0, "start address")
	length := fs.Uint("length", 0, "bytes to erase (ignored with -chip)")
	wholeChip := fs.Bool("chip", false, "erase the entire chip")
	fs.Parse(args)
	if !*wholeChip && *length == 0 {
		fatalUsage("erase: -length is required unless -chip is set")
	}

	fc, err := openAndBind(ctx, c.programmer)
	if err != nil {
		fatalf("erase: %v", err)
	}
	defer fc.Shutdown(ctx)

	l := uint32(*length)
	if *wholeChip {
		l = uint32(fc.Chip.TotalSizeBytes)
	}
	if err := fc.EraseRegion(ctx, uint32(*addr), l, *wholeChip); err != nil {
		fatalf("erase: %v", err)
	}
}
