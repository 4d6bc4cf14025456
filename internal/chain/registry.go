package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Registry maps tracked event types to their ABI definitions for one contract.
type Registry struct {
	address common.Address
	events  map[EventType]abi.Event
	order   []EventType
}

// NewRegistry builds a registry for contract. When only is empty every event of
// DefaultOrder present in the ABI is tracked; otherwise exactly the named events are,
// known types in priority order followed by the rest in the order given.
func NewRegistry(contract string, a *abi.ABI, only []string) (*Registry, error) {
	if a == nil {
		return nil, fmt.Errorf("abi required")
	}
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid contract address %q", contract)
	}

	r := &Registry{
		address: common.HexToAddress(contract),
		events:  map[EventType]abi.Event{},
	}

	if len(only) == 0 {
		for _, t := range DefaultOrder {
			if ev, ok := a.Events[string(t)]; ok {
				r.events[t] = ev
				r.order = append(r.order, t)
			}
		}
		if len(r.order) == 0 {
			return nil, fmt.Errorf("abi defines none of the tracked events")
		}
		return r, nil
	}

	wanted := map[EventType]struct{}{}
	for _, name := range only {
		ev, ok := a.Events[name]
		if !ok {
			return nil, fmt.Errorf("event %s not found in abi", name)
		}
		t := EventType(name)
		r.events[t] = ev
		wanted[t] = struct{}{}
	}
	for _, t := range DefaultOrder {
		if _, ok := wanted[t]; ok {
			r.order = append(r.order, t)
			delete(wanted, t)
		}
	}
	for _, name := range only {
		t := EventType(name)
		if _, ok := wanted[t]; ok {
			r.order = append(r.order, t)
			delete(wanted, t)
		}
	}
	return r, nil
}

// Address returns the contract address.
func (r *Registry) Address() common.Address { return r.address }

// Types returns the tracked event types in dispatch order.
func (r *Registry) Types() []EventType {
	out := make([]EventType, len(r.order))
	copy(out, r.order)
	return out
}

// Topic returns the topic0 hash identifying the event type.
func (r *Registry) Topic(t EventType) (common.Hash, bool) {
	ev, ok := r.events[t]
	if !ok {
		return common.Hash{}, false
	}
	return ev.ID, true
}

// Decode converts a raw log into an envelope. Decoding problems are reported on
// the envelope rather than as an error so callers can isolate them per event.
func (r *Registry) Decode(t EventType, lg types.Log) Envelope {
	env := Envelope{
		EventType:   t,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		LogIndex:    lg.Index,
		Contract:    lg.Address.Hex(),
		Fields:      map[string]any{},
	}

	ev, ok := r.events[t]
	if !ok {
		env.DecodeErr = fmt.Errorf("event type %s not registered", t)
		return env
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		env.DecodeErr = fmt.Errorf("log topic does not match %s", t)
		return env
	}

	indexed, nonIndexed := splitIndexed(ev.Inputs)
	if len(lg.Topics)-1 != len(indexed) {
		env.DecodeErr = fmt.Errorf("%s: expected %d indexed topics, got %d", t, len(indexed), len(lg.Topics)-1)
		return env
	}
	if err := abi.ParseTopicsIntoMap(env.Fields, indexed, lg.Topics[1:]); err != nil {
		env.DecodeErr = fmt.Errorf("parse topics: %w", err)
		return env
	}
	if err := nonIndexed.UnpackIntoMap(env.Fields, lg.Data); err != nil {
		env.DecodeErr = fmt.Errorf("unpack data: %w", err)
		return env
	}

	if id, ok := env.Fields["campaignId"].(*big.Int); ok && id != nil && id.IsUint64() {
		v := id.Uint64()
		env.CampaignID = &v
	}
	return env
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
