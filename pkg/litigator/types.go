// Package litigator implements the replayable event loop from spec.md
// section 4.G: it consumes a typed event log (module loads, contract
// creation args, rebinds, periodic ticks, new observations, emitted
// PSBTs) and drives contract recompilation and PSBT emission, signing
// with derived keys and wrapping the result back into an envelope.
//
// Per spec.md's explicit Non-goal ("the contract-compiler runtime...
// treated as a black box that maps (module, args) -> compiled
// contract"), this package never embeds a wasm runtime: ContractModule
// and Binder are the narrow seams a real compiler plugs into, grounded
// directly on original_source/common/sapio-litigator's own
// WasmPluginHandle/Compiled boundary.
package litigator

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/attestmesh/node/pkg/envelope"
)

// EventKind discriminates the litigator's event union, grounded on
// original_source/common/sapio-litigator/src/events.rs's `Event` enum.
type EventKind string

const (
	EventModuleBytes      EventKind = "module_bytes"
	EventCreateArgs       EventKind = "create_args"
	EventRebind           EventKind = "rebind"
	EventSyntheticPeriodic EventKind = "synthetic_periodic_actions"
	EventNewObservation   EventKind = "new_recompile_triggering_observation"
	EventEmittedPSBTVia   EventKind = "emitted_psbt_via"
	EventTransactionFinal EventKind = "transaction_finalized"
)

// Event is the tagged union appended to and replayed from the event log.
// Exactly the field(s) matching Kind are populated, mirroring the union
// convention pkg/sequencer.BroadcastByHost already uses in this repo.
type Event struct {
	Kind EventKind `json:"kind"`

	// ModuleBytes: which event-log group/tag the wasm module bytes were
	// themselves stored under (a prior occurrence in the same log).
	ModuleGroup string `json:"module_group,omitempty"`
	ModuleTag   string `json:"module_tag,omitempty"`

	// CreateArgs: the contract construction arguments.
	CreateArgs *CreateArgs `json:"create_args,omitempty"`

	// Rebind: the outpoint the compiled contract is now bound to.
	Rebind *wire.OutPoint `json:"rebind,omitempty"`

	// SyntheticPeriodicActions: the tick's wall-clock time, milliseconds.
	PeriodicTimeMs int64 `json:"periodic_time_ms,omitempty"`

	// NewRecompileTriggeringObservation.
	ObservationValue  json.RawMessage `json:"observation_value,omitempty"`
	ObservationFilter string          `json:"observation_filter,omitempty"`

	// EmittedPSBTVia.
	EmittedPSBT   string       `json:"emitted_psbt,omitempty"`
	EmittedViaKey envelope.Key `json:"emitted_via_key,omitempty"`

	// TransactionFinalized.
	FinalizedLabel string `json:"finalized_label,omitempty"`
	FinalizedTxHex string `json:"finalized_tx_hex,omitempty"`
}

// TagKind discriminates the unique_tag shapes from
// original_source/common/sapio-litigator/src/events.rs's `Tag` enum.
type TagKind string

const (
	TagInitModule    TagKind = "init_module"
	TagEvLoopCounter TagKind = "ev_loop_counter"
	TagScopedCounter TagKind = "scoped_counter"
	TagScopedValue   TagKind = "scoped_value"
)

// Tag is the optional unique_tag carried alongside an Event; its String
// form is what gets passed as the event log's unique_tag column, making
// re-insertion of the same logical event idempotent rather than a
// duplicate row (spec.md section 4.F, section 8 property 6).
type Tag struct {
	Kind    TagKind
	Counter uint64
	Scope   string
	Value   string
}

func (t Tag) String() string {
	switch t.Kind {
	case TagInitModule:
		return "init_module"
	case TagEvLoopCounter:
		return fmt.Sprintf("ev_loop_counter:%d", t.Counter)
	case TagScopedCounter:
		return fmt.Sprintf("scoped_counter:%s:%d", t.Scope, t.Counter)
	case TagScopedValue:
		return fmt.Sprintf("scoped_value:%s:%s", t.Scope, t.Value)
	default:
		return string(t.Kind)
	}
}

// EmitterTag builds the scoped-value tag (scope "signed_psbt", value
// "emit_by:<key>:psbt_hash:<hash>", the form spec.md section 4.G names),
// whose unique_tag string is therefore
// "scoped_value:signed_psbt:emit_by:<key>:psbt_hash:<hash>", ensuring a
// given signer never double-emits the same signed PSBT into the event log.
func EmitterTag(emitter envelope.Key, psbtHash string) Tag {
	return Tag{Kind: TagScopedValue, Scope: "signed_psbt", Value: fmt.Sprintf("emit_by:%s:psbt_hash:%s", emitter, psbtHash)}
}

// CreateArgs is the black-box contract-construction argument bundle:
// opaque application arguments plus the staged "effects" map that
// NewRecompileTriggeringObservation augments over time. Grounded on
// sapio_wasm_plugin::CreateArgs<Value> and
// sapio_base::effects::EditableMapEffectDB.
type CreateArgs struct {
	Arguments json.RawMessage `json:"arguments"`
	Effects   EffectsMap      `json:"effects"`
}

// Clone returns a deep copy of a, safe for staging new effects into
// without perturbing the loop's currently-live args.
func (a CreateArgs) Clone() CreateArgs {
	out := CreateArgs{Arguments: append(json.RawMessage(nil), a.Arguments...), Effects: make(EffectsMap, len(a.Effects))}
	for path, byKey := range a.Effects {
		cp := make(map[string]json.RawMessage, len(byKey))
		for k, v := range byKey {
			cp[k] = append(json.RawMessage(nil), v...)
		}
		out.Effects[path] = cp
	}
	return out
}

// EffectsMap keys staged observations by continuation-point path, then by
// a per-observation key. spec.md section 9's "effects map keying" design
// note: keying each staged observation by "event-<counter>" guarantees
// that identical observations staged at different logical times produce
// distinct keys, so recompilation is monotonically cumulative rather than
// overwriting.
type EffectsMap map[string]map[string]json.RawMessage

// ContinuationPoint is a labelled slot in a compiled contract at which a
// new external observation can be staged to trigger recompilation
// (spec.md's "continuation point" glossary entry). Validate stands in for
// the original's jsonschema-draft6 check against the point's declared
// schema -- kept as a caller-supplied predicate rather than a vendored
// schema validator, since no example repo in the pack carries a
// JSON-schema library.
type ContinuationPoint struct {
	Path     string
	Filter   string
	Validate func(value json.RawMessage) bool
}

// CompiledContract is the opaque result of compiling CreateArgs against a
// loaded module: an on-chain address plus the set of continuation points
// new observations can target.
type CompiledContract struct {
	Address            string
	ContinuationPoints []ContinuationPoint
}

// ContractModule is the black-box seam spec.md's Non-goals name
// explicitly: "the contract-compiler runtime (treated as a black box
// that maps (module, args) -> compiled contract)". A real implementation
// wraps a wasm plugin handle; tests supply a fake.
type ContractModule interface {
	Compile(args CreateArgs) (*CompiledContract, error)
}

// ModuleLoader instantiates a ContractModule from raw module bytes
// fetched out of the event log (the ModuleBytes event only names where
// those bytes live; this is what turns them into a callable module).
type ModuleLoader interface {
	Load(bytes []byte) (ContractModule, error)
}

// SignerRole names one signer expected to co-sign a PendingPSBT, per the
// PSBT's AutoBroadcast role metadata (original_source's
// `simps::AutoBroadcast`/`simps::PK`).
type SignerRole struct {
	Key     envelope.Key
	Sign    bool
	SignAll bool
}

// PendingPSBT is one spending-condition transaction a Binder extracted
// from a compiled contract bound to an outpoint: a partially-signed
// transaction plus the roles authorized to sign/broadcast it.
type PendingPSBT struct {
	PSBTBase64 string
	Roles      []SignerRole
}

// Binder computes the currently-enabled transactions for a contract
// bound to an outpoint -- the original's `Compiled::bind_psbt`. Kept as
// an interface for the same black-box reason as ContractModule: binding
// depends on the compiled contract's internal program graph.
type Binder interface {
	Bind(contract *CompiledContract, bound wire.OutPoint) ([]PendingPSBT, error)
}

// KeyProvider resolves a signer role's x-only public key to the
// secp256k1 secret this node holds for it, or false if this node does
// not hold that role's key.
type KeyProvider interface {
	SecretFor(role envelope.Key) (secret [32]byte, ok bool)
}
