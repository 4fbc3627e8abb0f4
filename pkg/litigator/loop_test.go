package litigator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"

	"github.com/attestmesh/node/pkg/eventlog"
)

type fakeModule struct {
	compileCalls int
	address      string
	points       []ContinuationPoint
	failOn       func(args CreateArgs) bool
}

func (m *fakeModule) Compile(args CreateArgs) (*CompiledContract, error) {
	m.compileCalls++
	if m.failOn != nil && m.failOn(args) {
		return nil, errors.New("fake module: refused to compile")
	}
	return &CompiledContract{Address: m.address, ContinuationPoints: m.points}, nil
}

type fakeLoader struct {
	loadCalls int
	module    ContractModule
}

func (l *fakeLoader) Load(bytes []byte) (ContractModule, error) {
	l.loadCalls++
	return l.module, nil
}

func openTestEventLog(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(t.TempDir()+"/events.db", zerolog.Nop())
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newLoopForTest(t *testing.T, loader ModuleLoader) (*Loop, eventlog.GroupID) {
	t.Helper()
	evlog := openTestEventLog(t)
	gid, err := evlog.GetOrCreateGroup("instance-1")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	l := NewLoop(evlog, gid, nil, loader, nil, nil, &chaincfg.MainNetParams, zerolog.Nop())
	return l, gid
}

// S5: inserting the same ModuleBytes occurrence twice is idempotent, and
// replaying the resulting event log loads the module exactly once.
func TestModuleBytesIdempotentLoadOnce(t *testing.T) {
	module := &fakeModule{address: "addr1"}
	loader := &fakeLoader{module: module}
	l, _ := newLoopForTest(t, loader)

	if err := l.SubmitModuleBytes("wasm-group", "init", []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("submit module bytes 1: %v", err)
	}
	if err := l.SubmitModuleBytes("wasm-group", "init", []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("submit module bytes 2 (duplicate tag) should not error: %v", err)
	}

	tag := Tag{Kind: TagInitModule}
	if _, err := l.SubmitTagged(Event{Kind: EventModuleBytes, ModuleGroup: "wasm-group", ModuleTag: "init"}, tag); err != nil {
		t.Fatalf("submit module-bytes event 1: %v", err)
	}
	if _, err := l.SubmitTagged(Event{Kind: EventModuleBytes, ModuleGroup: "wasm-group", ModuleTag: "init"}, tag); !errors.Is(err, eventlog.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate InitModule tag, got %v", err)
	}

	if err := l.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if loader.loadCalls != 1 {
		t.Fatalf("expected module loaded exactly once, got %d", loader.loadCalls)
	}
	if l.st.module == nil {
		t.Fatal("expected module to be installed into loop state")
	}
}

func TestCreateArgsFirstCompileMustSucceed(t *testing.T) {
	module := &fakeModule{address: "addr1", failOn: func(CreateArgs) bool { return true }}
	loader := &fakeLoader{module: module}
	l, _ := newLoopForTest(t, loader)

	if err := l.SubmitModuleBytes("wasm-group", "init", []byte{1}); err != nil {
		t.Fatalf("submit module bytes: %v", err)
	}
	if _, err := l.SubmitTagged(Event{Kind: EventModuleBytes, ModuleGroup: "wasm-group", ModuleTag: "init"}, Tag{Kind: TagInitModule}); err != nil {
		t.Fatalf("submit module-bytes event: %v", err)
	}
	if _, err := l.Submit(Event{Kind: EventCreateArgs, CreateArgs: &CreateArgs{Arguments: json.RawMessage(`{}`)}}); err != nil {
		t.Fatalf("submit create_args: %v", err)
	}

	if err := l.Drain(context.Background()); err == nil {
		t.Fatal("expected fatal error when the first compile fails")
	}
}

// S6: a recompile that changes the contract's address aborts the loop
// with a defined fatal error, rather than silently swapping in the new
// (incompatible) contract.
func TestAddressInvarianceViolationIsFatal(t *testing.T) {
	calls := 0
	module := &fakeModule{
		address: "addr1",
		points:  []ContinuationPoint{{Path: "p", Filter: "f"}},
	}
	loader := &fakeLoader{module: module}
	l, _ := newLoopForTest(t, loader)

	if err := l.SubmitModuleBytes("wasm-group", "init", []byte{1}); err != nil {
		t.Fatalf("submit module bytes: %v", err)
	}
	if _, err := l.SubmitTagged(Event{Kind: EventModuleBytes, ModuleGroup: "wasm-group", ModuleTag: "init"}, Tag{Kind: TagInitModule}); err != nil {
		t.Fatalf("submit module-bytes event: %v", err)
	}
	if _, err := l.Submit(Event{Kind: EventCreateArgs, CreateArgs: &CreateArgs{Arguments: json.RawMessage(`{}`), Effects: EffectsMap{}}}); err != nil {
		t.Fatalf("submit create_args: %v", err)
	}
	if err := l.Drain(context.Background()); err != nil {
		t.Fatalf("drain through create_args: %v", err)
	}
	calls = module.compileCalls

	// From now on, every further compile call returns a different address.
	module.failOn = nil
	module.address = "addr2"

	obs, _ := json.Marshal(map[string]string{"k": "v"})
	if _, err := l.Submit(Event{Kind: EventNewObservation, ObservationValue: obs, ObservationFilter: "f"}); err != nil {
		t.Fatalf("submit observation: %v", err)
	}

	err := l.Drain(context.Background())
	if err == nil {
		t.Fatal("expected fatal address-invariance error")
	}
	if !errors.Is(err, errAddressMutated) {
		t.Fatalf("expected address-mutation error, got %v", err)
	}
	if module.compileCalls != calls+1 {
		t.Fatalf("expected exactly one additional recompile attempt, got %d calls total", module.compileCalls)
	}
}
