package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
)

type stubMaster struct {
	sr      byte
	busyFor int // number of RDSR reads that still report WIP set
	sent    []master.Command
}

func (s *stubMaster) Command(ctx context.Context, write, read []byte) error {
	s.sent = append(s.sent, master.Command{Write: append([]byte(nil), write...)})
	if len(write) > 0 && write[0] == opcode.Get(opcode.TagRDSR).Byte && len(read) == 1 {
		sr := s.sr
		if s.busyFor > 0 {
			sr |= 1
			s.busyFor--
		}
		read[0] = sr
	}
	if len(write) > 0 && write[0] == opcode.Get(opcode.TagWRSR).Byte {
		s.sr = write[1]
	}
	return nil
}

func (s *stubMaster) MultiCommand(ctx context.Context, cmds []master.Command) error {
	return master.RunSequential(ctx, s, cmds)
}
func (s *stubMaster) Read(ctx context.Context, buf []byte, addr uint32) error        { return nil }
func (s *stubMaster) Write256(ctx context.Context, buf []byte, addr uint32, p int) error { return nil }
func (s *stubMaster) WriteAAI(ctx context.Context, buf []byte, addr uint32) error    { return nil }
func (s *stubMaster) Shutdown(ctx context.Context) error                            { return nil }
func (s *stubMaster) Features() master.Features                                     { return 0 }
func (s *stubMaster) Limits() master.Limits                                         { return master.Limits{MaxDataWrite: 1 << 16, MaxDataRead: 1 << 16} }

func TestDisableWriteProtectionClearsBP(t *testing.T) {
	m := &stubMaster{sr: 0x1C} // BP2..BP0 set
	e := New(m, Policy{})
	if err := e.DisableWriteProtection(context.Background(), DisableOptions{}); err != nil {
		t.Fatalf("DisableWriteProtection: %v", err)
	}
	sr, _ := e.ReadSR1(context.Background())
	if sr.AnyBlockProtect() {
		t.Fatalf("expected block protect cleared, SR=%s", sr)
	}
}

func TestDisableWriteProtectionNoopWhenClear(t *testing.T) {
	m := &stubMaster{sr: 0}
	e := New(m, Policy{})
	if err := e.DisableWriteProtection(context.Background(), DisableOptions{}); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if len(m.sent) != 1 {
		t.Fatalf("expected a single RDSR read and no writes, got %d commands", len(m.sent))
	}
}

func TestDisableWriteProtectionUnsafeSR2Rejected(t *testing.T) {
	m := &stubMaster{sr: 0x1C}
	e := New(m, Policy{UnsafeSR2BlockProtect: true})
	err := e.DisableWriteProtection(context.Background(), DisableOptions{})
	if err == nil {
		t.Fatal("expected rejection for unsafe SR2-controlled chip")
	}
	var me *master.Error
	if !errors.As(err, &me) || me.Kind != master.ErrWriteProtected {
		t.Fatalf("expected WP_ENABLED kind, got %v", err)
	}

	if err := e.DisableWriteProtection(context.Background(), DisableOptions{AllowUnsafeSR2: true}); err != nil {
		t.Fatalf("expected override to succeed: %v", err)
	}
}

func TestPollUntilReadyClearsAfterBusy(t *testing.T) {
	m := &stubMaster{busyFor: 2}
	e := New(m, Policy{})
	if err := e.PollUntilReady(context.Background(), time.Millisecond, time.Second, false); err != nil {
		t.Fatalf("PollUntilReady: %v", err)
	}
}

func TestPollUntilReadyDetectsProgramError(t *testing.T) {
	m := &stubMaster{sr: 1 << 6}
	e := New(m, Policy{})
	err := e.PollUntilReady(context.Background(), time.Millisecond, time.Second, false)
	var me *master.Error
	if !errors.As(err, &me) || me.Kind != master.ErrProgramError {
		t.Fatalf("expected PROGRAM_ERROR, got %v", err)
	}
}
