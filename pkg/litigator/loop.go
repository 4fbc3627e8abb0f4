package litigator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/eventlog"
	"github.com/attestmesh/node/pkg/store"
)

// state is the litigator's replayable in-memory view, spec.md section
// 4.G verbatim: { bound_to, module, args, contract, event_counter }.
type state struct {
	boundTo      *wire.OutPoint
	module       ContractModule
	args         *CreateArgs
	contract     *CompiledContract
	eventCounter uint64
}

// Loop is the litigator event loop: a replay consumer over an event-log
// group, driving contract recompilation and PSBT emission. It holds no
// network or wasm runtime state itself -- those are supplied through
// ModuleLoader/Binder/KeyProvider -- only the event-sourced state
// described by spec.md section 4.G.
type Loop struct {
	evlog    *eventlog.Store
	group    eventlog.GroupID
	msgStore *store.Store
	loader   ModuleLoader
	binder   Binder
	keys     KeyProvider
	net      *chaincfg.Params
	log      zerolog.Logger

	lastID eventlog.OccurrenceID
	st     state
}

// NewLoop constructs a Loop bound to one event-log group (one litigated
// contract instance). Each emitted PSBT is, in turn, wrapped into an
// envelope under the key of every Sign+SignAll role whose secret this
// node holds, once signing added any signature (spec.md section 4.G:
// "wrap the signed PSBT into an envelope addressed to the appropriate
// emitter key").
func NewLoop(evlog *eventlog.Store, group eventlog.GroupID, msgStore *store.Store, loader ModuleLoader, binder Binder, keys KeyProvider, net *chaincfg.Params, log zerolog.Logger) *Loop {
	return &Loop{
		evlog:    evlog,
		group:    group,
		msgStore: msgStore,
		loader:   loader,
		binder:   binder,
		keys:     keys,
		net:      net,
		log:      log.With().Str("component", "litigator").Int64("group", int64(group)).Logger(),
	}
}

// Submit appends ev to the event log with no unique_tag.
func (l *Loop) Submit(ev Event) (eventlog.OccurrenceID, error) {
	return l.submitTagged(ev, nil)
}

// SubmitTagged is Submit with tag's canonical string as the unique_tag.
// Per spec.md section 4.F, a duplicate tag is not an error: it returns
// eventlog.ErrAlreadyExists, which callers should treat as "already
// recorded", not a failure.
func (l *Loop) SubmitTagged(ev Event, tag Tag) (eventlog.OccurrenceID, error) {
	return l.submitTagged(ev, &tag)
}

func (l *Loop) submitTagged(ev Event, tag *Tag) (eventlog.OccurrenceID, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("litigator: marshaling event: %w", err)
	}
	var uniqueTag *string
	if tag != nil {
		s := tag.String()
		uniqueTag = &s
	}
	return l.evlog.Insert(l.group, "LitigatorEvent", data, uniqueTag)
}

// Drain replays every occurrence appended since the last call (or since
// Loop construction) in strictly increasing occurrence-id order, per
// spec.md section 4.F's read contract. This IS the event loop: there is
// no separate goroutine spinning on a channel -- a caller wakes the loop
// (on a ticker, or immediately after a Submit) and Drain catches it up.
func (l *Loop) Drain(ctx context.Context) error {
	occs, err := l.evlog.GetOccurrencesForGroupAfterID(l.group, l.lastID)
	if err != nil {
		return fmt.Errorf("litigator: reading occurrences: %w", err)
	}
	for _, occ := range occs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ev Event
		if err := json.Unmarshal(occ.Data, &ev); err != nil {
			return fmt.Errorf("litigator: decoding occurrence %d: %w", occ.ID, err)
		}
		fatal, err := l.process(ev)
		if fatal {
			return fmt.Errorf("litigator: fatal processing occurrence %d: %w", occ.ID, err)
		}
		if err != nil {
			l.log.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("event processing failed, continuing")
		}
		l.lastID = occ.ID
		l.st.eventCounter++
	}
	return nil
}

// errFirstCompile is returned (wrapped) when the first CreateArgs
// compilation fails -- spec.md section 7: "compilation errors on the
// first compile of a new module abort the litigator loop."
var errFirstCompile = errors.New("litigator: first contract compilation failed")

// errAddressMutated is the fatal invariant violation from spec.md
// section 4.G / 8 (S6): recompilation must only augment state, never
// change the contract's address.
var errAddressMutated = errors.New("litigator: contract address mutated after recompile")

func (l *Loop) process(ev Event) (fatal bool, err error) {
	switch ev.Kind {
	case EventModuleBytes:
		return l.handleModuleBytes(ev.ModuleGroup, ev.ModuleTag)
	case EventCreateArgs:
		return l.handleCreateArgs(ev.CreateArgs)
	case EventRebind:
		l.st.boundTo = ev.Rebind
		return false, nil
	case EventSyntheticPeriodic:
		return false, l.handleSyntheticPeriodic()
	case EventNewObservation:
		return l.handleNewObservation(ev.ObservationValue, ev.ObservationFilter)
	case EventEmittedPSBTVia, EventTransactionFinal:
		// Informational only; state change is limited to the event
		// counter bump Drain already performs.
		return false, nil
	default:
		return false, fmt.Errorf("litigator: unknown event kind %q", ev.Kind)
	}
}

// SubmitModuleBytes records raw wasm module bytes under (group, tag) as
// their own occurrence group, independent of l's own event-log group --
// module bytes are content, not a litigator-instance event, and may be
// shared by several litigated contract instances. A subsequent
// EventModuleBytes naming the same (group, tag) is how a Loop's own
// event stream points at them.
func (l *Loop) SubmitModuleBytes(group, tag string, wasmBytes []byte) error {
	gid, err := l.evlog.GetOrCreateGroup(group)
	if err != nil {
		return err
	}
	_, err = l.evlog.Insert(gid, "ModuleRepo", wasmBytes, &tag)
	if err != nil && !errors.Is(err, eventlog.ErrAlreadyExists) {
		return err
	}
	return nil
}

func (l *Loop) handleModuleBytes(group, tag string) (bool, error) {
	gid, err := l.evlog.GetOrCreateGroup(group)
	if err != nil {
		return true, err
	}
	occs, err := l.evlog.GetOccurrencesForGroupAfterID(gid, 0)
	if err != nil {
		return true, err
	}
	var bytesFound []byte
	for _, o := range occs {
		if o.TypeID == "ModuleRepo" && o.UniqueTag != nil && *o.UniqueTag == tag {
			bytesFound = o.Data
			break
		}
	}
	if bytesFound == nil {
		return true, fmt.Errorf("litigator: module bytes not found for group=%s tag=%s", group, tag)
	}
	module, err := l.loader.Load(bytesFound)
	if err != nil {
		return true, fmt.Errorf("litigator: loading module: %w", err)
	}
	l.st.module = module
	return false, nil
}

func (l *Loop) handleCreateArgs(args *CreateArgs) (bool, error) {
	if args == nil {
		return true, errors.New("litigator: create_args event missing arguments")
	}
	if l.st.module == nil {
		return true, errors.New("litigator: create_args received before a module was loaded")
	}
	contract, err := l.st.module.Compile(*args)
	if err != nil {
		if l.st.contract != nil {
			// Non-fatal once a contract has compiled: keep the previous
			// contract/args.
			return false, fmt.Errorf("recompile with new create_args failed, keeping previous contract: %w", err)
		}
		return true, fmt.Errorf("%w: %v", errFirstCompile, err)
	}
	l.st.args = args
	l.st.contract = contract
	l.log.Info().Str("address", contract.Address).Msg("contract compilation successful")
	return false, nil
}

func (l *Loop) handleNewObservation(value json.RawMessage, filter string) (bool, error) {
	if l.st.contract == nil || l.st.args == nil {
		return false, errors.New("litigator: no compiled contract to stage an observation against")
	}

	idxKey := fmt.Sprintf("event-%d", l.st.eventCounter)
	staged := l.st.args.Clone()
	anyEdits := false
	for _, cp := range l.st.contract.ContinuationPoints {
		if cp.Filter != filter {
			continue
		}
		if cp.Validate != nil && !cp.Validate(value) {
			continue
		}
		anyEdits = true
		if staged.Effects[cp.Path] == nil {
			staged.Effects[cp.Path] = make(map[string]json.RawMessage)
		}
		staged.Effects[cp.Path][idxKey] = append(json.RawMessage(nil), value...)
	}
	if !anyEdits {
		return false, nil
	}

	newContract, err := l.st.module.Compile(staged)
	if err != nil {
		// Non-fatal once the module has compiled once before: discard
		// the staged edit and keep the previous contract/args.
		return false, fmt.Errorf("recompile with new observation failed, discarding: %w", err)
	}
	if newContract.Address != l.st.contract.Address {
		// spec.md section 8 property/scenario S6: this is the one
		// recompile failure mode that is NOT swallowed -- the critical
		// invariant is that recompilation only ever augments state, so
		// an address change aborts the whole loop rather than silently
		// keeping the stale contract.
		return true, errAddressMutated
	}
	l.log.Info().Str("address", newContract.Address).Msg("contract recompilation successful")
	l.st.args = &staged
	l.st.contract = newContract
	return false, nil
}

func (l *Loop) handleSyntheticPeriodic() error {
	if l.st.boundTo == nil || l.st.contract == nil {
		return nil
	}
	pending, err := l.binder.Bind(l.st.contract, *l.st.boundTo)
	if err != nil {
		return fmt.Errorf("binding contract: %w", err)
	}
	for _, p := range pending {
		if err := l.emit(p); err != nil {
			l.log.Debug().Err(err).Msg("failed psbt signing for this psbt, continuing")
		}
	}
	return nil
}

// emit is process_psbt_fail_ok's Go counterpart: sign the pending PSBT
// with whichever AutoBroadcast roles this node holds keys for and, if that
// added any signature, for each Sign+SignAll role whose key this node
// holds, idempotently record an EmittedPSBTVia occurrence and wrap+insert
// the signed PSBT into an envelope addressed under that role's key.
// Whether that particular role's key contributed a signature is not
// checked.
func (l *Loop) emit(p PendingPSBT) error {
	keys, err := resolveSigningKeys(p, l.keys, l.net)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	signed, changed, err := signPSBT(p.PSBTBase64, keys, l.net)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	hash := psbtHash(signed)
	for _, role := range p.Roles {
		if !role.Sign || !role.SignAll {
			continue
		}
		if _, ok := l.keys.SecretFor(role.Key); !ok {
			continue
		}

		tag := EmitterTag(role.Key, hash)
		_, err := l.SubmitTagged(Event{
			Kind:          EventEmittedPSBTVia,
			EmittedPSBT:   signed,
			EmittedViaKey: role.Key,
		}, tag)
		if errors.Is(err, eventlog.ErrAlreadyExists) {
			// Already emitted by a prior pass over the same tick; the
			// spec calls this out explicitly as a legitimate, non-error
			// outcome, not a retry signal.
			continue
		}
		if err != nil {
			return err
		}

		msg, merr := json.Marshal(psbtEnvelopeMsg{Channel: hash, PSBT: signed})
		if merr != nil {
			return merr
		}
		secret, _ := l.keys.SecretFor(role.Key)
		priv, derr := deriveSigningKey(secret, l.net)
		if derr != nil {
			return derr
		}
		built, werr := l.msgStore.WrapMessage(role.Key, priv, msg, store.TipControl{Kind: store.NoTips})
		if werr != nil {
			return werr
		}
		auth, aerr := envelope.Authenticate(built)
		if aerr != nil {
			return aerr
		}
		if ierr := l.msgStore.TryInsertAuthenticated(auth); ierr != nil {
			return ierr
		}
	}
	return nil
}

// psbtEnvelopeMsg is the application payload a signed PSBT is wrapped in
// before insertion, grounded on the original's
// `ParticipantAction::PsbtSigningCoordination(Multiplexed{channel, data})`.
type psbtEnvelopeMsg struct {
	Channel string `json:"channel"`
	PSBT    string `json:"psbt"`
}
