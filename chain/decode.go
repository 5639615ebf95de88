package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	ptypes "github.com/web3guy0/perpindexer/types"
)

// Topic identifies one of the four logical event streams.
type Topic int

const (
	TopicOpened Topic = iota
	TopicExecuted
	TopicStopsUpdated
	TopicRemoved
)

func (t Topic) String() string {
	switch t {
	case TopicOpened:
		return "Opened"
	case TopicExecuted:
		return "Executed"
	case TopicStopsUpdated:
		return "StopsUpdated"
	case TopicRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// event signatures; every argument, id included, is unindexed and packed
// ABI-encoded in log.Data, and the gateway filters on topic0 only.
const (
	sigOpened       = "Opened(uint32,uint8,uint32,bool,uint16,int64,int64,int64,int64,address,uint16)"
	sigExecuted     = "Executed(uint32,int64)"
	sigStopsUpdated = "StopsUpdated(uint32,int64,int64)"
	sigRemoved      = "Removed(uint32,uint8,int64,int256)"
)

// Hash returns the keccak256 topic0 hash for this event's canonical
// signature, used both to build the subscription filter and to dispatch a
// raw log to the right decoder.
func (t Topic) Hash() common.Hash {
	switch t {
	case TopicOpened:
		return crypto.Keccak256Hash([]byte(sigOpened))
	case TopicExecuted:
		return crypto.Keccak256Hash([]byte(sigExecuted))
	case TopicStopsUpdated:
		return crypto.Keccak256Hash([]byte(sigStopsUpdated))
	case TopicRemoved:
		return crypto.Keccak256Hash([]byte(sigRemoved))
	default:
		panic(fmt.Sprintf("chain: unknown topic %d", t))
	}
}

var (
	openedArgs       = mustArgs("uint32", "uint8", "uint32", "bool", "uint16", "int64", "int64", "int64", "int64", "address", "uint16")
	executedArgs     = mustArgs("uint32", "int64")
	stopsUpdatedArgs = mustArgs("uint32", "int64", "int64")
	removedArgs      = mustArgs("uint32", "uint8", "int64", "int256")
)

func mustArgs(kinds ...string) abi.Arguments {
	args := make(abi.Arguments, len(kinds))
	for i, k := range kinds {
		typ, err := abi.NewType(k, "", nil)
		if err != nil {
			panic(err)
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args
}

func logKey(l types.Log) ptypes.LogKey {
	return ptypes.LogKey{
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
	}
}

// DecodeOpened unpacks an Opened log into the strongly typed event. An
// unrecognized initial state is rejected rather than guessed.
func DecodeOpened(l types.Log) (ptypes.Opened, error) {
	vals, err := openedArgs.Unpack(l.Data)
	if err != nil {
		return ptypes.Opened{}, fmt.Errorf("%w: decode Opened: %v", ptypes.ErrPermanentChain, err)
	}

	stateRaw := vals[1].(uint8)
	var state ptypes.PositionState
	switch stateRaw {
	case 0:
		state = ptypes.StateOrder
	case 1:
		state = ptypes.StateOpen
	default:
		return ptypes.Opened{}, fmt.Errorf("%w: Opened carries unexpected initial_state %d", ptypes.ErrPermanentChain, stateRaw)
	}

	return ptypes.Opened{
		ID:              vals[0].(uint32),
		InitialState:    state,
		AssetID:         vals[2].(uint32),
		LongSide:        vals[3].(bool),
		Lots:            int16(vals[4].(uint16)),
		EntryOrTargetX6: vals[5].(int64),
		SLX6:            vals[6].(int64),
		TPX6:            vals[7].(int64),
		LiqX6:           vals[8].(int64),
		Trader:          strings.ToLower(vals[9].(common.Address).Hex()),
		LeverageX:       int16(vals[10].(uint16)),
		Key:             logKey(l),
	}, nil
}

func DecodeExecuted(l types.Log) (ptypes.Executed, error) {
	vals, err := executedArgs.Unpack(l.Data)
	if err != nil {
		return ptypes.Executed{}, fmt.Errorf("%w: decode Executed: %v", ptypes.ErrPermanentChain, err)
	}
	return ptypes.Executed{
		ID:      vals[0].(uint32),
		EntryX6: vals[1].(int64),
		Key:     logKey(l),
	}, nil
}

func DecodeStopsUpdated(l types.Log) (ptypes.StopsUpdated, error) {
	vals, err := stopsUpdatedArgs.Unpack(l.Data)
	if err != nil {
		return ptypes.StopsUpdated{}, fmt.Errorf("%w: decode StopsUpdated: %v", ptypes.ErrPermanentChain, err)
	}
	return ptypes.StopsUpdated{
		ID:   vals[0].(uint32),
		SLX6: vals[1].(int64),
		TPX6: vals[2].(int64),
		Key:  logKey(l),
	}, nil
}

// DecodeRemoved unpacks a Removed log. An out-of-range reason byte is
// rejected, matching the source's "reject unknown values" design note.
func DecodeRemoved(l types.Log) (ptypes.Removed, error) {
	vals, err := removedArgs.Unpack(l.Data)
	if err != nil {
		return ptypes.Removed{}, fmt.Errorf("%w: decode Removed: %v", ptypes.ErrPermanentChain, err)
	}

	reason, ok := ptypes.ParseCloseReason(vals[1].(uint8))
	if !ok {
		return ptypes.Removed{}, fmt.Errorf("%w: Removed carries unknown reason %d", ptypes.ErrPermanentChain, vals[1].(uint8))
	}

	pnl, _ := vals[3].(*big.Int)

	return ptypes.Removed{
		ID:      vals[0].(uint32),
		Reason:  reason,
		ExecX6:  vals[2].(int64),
		PnLUsd6: pnl.String(),
		Key:     logKey(l),
	}, nil
}
