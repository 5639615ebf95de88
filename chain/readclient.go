package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/semaphore"

	ptypes "github.com/web3guy0/perpindexer/types"
)

// ReadClient implements getTrade/stateOf/nextId over a plain http JSON-RPC
// endpoint, bounded by a weighted semaphore sized by RPC_CONC. No codegen
// dependency: calldata is packed from a hand-written minimal ABI.
type ReadClient struct {
	client       *ethclient.Client
	contractAddr common.Address
	sem          *semaphore.Weighted
}

func NewReadClient(ctx context.Context, httpURL string, contractAddr common.Address, rpcConc int64) (*ReadClient, error) {
	client, err := ethclient.DialContext(ctx, httpURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ptypes.ErrTransientChain, httpURL, err)
	}
	return &ReadClient{
		client:       client,
		contractAddr: contractAddr,
		sem:          semaphore.NewWeighted(rpcConc),
	}, nil
}

func (c *ReadClient) Close() {
	c.client.Close()
}

var (
	getTradeSelector = selector("getTrade(uint32)")
	stateOfSelector  = selector("stateOf(uint32)")
	nextIdSelector   = selector("nextId()")

	uint32Arg = mustArgs("uint32")
	// tradeRet's 4th field is flags, not long_side directly: bit 0 encodes
	// long_side, the remaining bits are unused by this client.
	tradeRet  = mustArgs("address", "uint8", "uint32", "uint8", "uint16", "int64", "int64", "int64", "int64", "int64", "uint16")
	uint8Ret  = mustArgs("uint8")
	uint32Ret = mustArgs("uint32")
)

func selector(sig string) []byte {
	h := crypto.Keccak256([]byte(sig))
	return h[:4]
}

// call performs one bounded CallContract against the latest block, wrapping
// transport failures as TransientChain (the client never retries on
// application-level errors).
func (c *ReadClient) call(ctx context.Context, data []byte) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	msg := ethereum.CallMsg{To: &c.contractAddr, Data: data}
	out, err := c.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call contract: %v", ptypes.ErrTransientChain, err)
	}
	return out, nil
}

// GetTrade returns the empty Trade (per ptypes.Trade.Empty) rather than an
// error when the position does not exist on chain.
func (c *ReadClient) GetTrade(ctx context.Context, id uint32) (ptypes.Trade, error) {
	packed, err := uint32Arg.Pack(id)
	if err != nil {
		return ptypes.Trade{}, fmt.Errorf("pack getTrade args: %w", err)
	}
	data := append(append([]byte{}, getTradeSelector...), packed...)

	out, err := c.call(ctx, data)
	if err != nil {
		return ptypes.Trade{}, err
	}

	vals, err := tradeRet.Unpack(out)
	if err != nil {
		return ptypes.Trade{}, fmt.Errorf("%w: unpack getTrade: %v", ptypes.ErrPermanentChain, err)
	}

	stateRaw := vals[1].(uint8)
	flags := vals[3].(uint8)
	return ptypes.Trade{
		Owner:     strings.ToLower(vals[0].(common.Address).Hex()),
		State:     ptypes.PositionState(stateRaw),
		AssetID:   vals[2].(uint32),
		LongSide:  flags&1 != 0,
		Lots:      int16(vals[4].(uint16)),
		EntryX6:   vals[5].(int64),
		TargetX6:  vals[6].(int64),
		SLX6:      vals[7].(int64),
		TPX6:      vals[8].(int64),
		LiqX6:     vals[9].(int64),
		LeverageX: int16(vals[10].(uint16)),
	}, nil
}

func (c *ReadClient) StateOf(ctx context.Context, id uint32) (ptypes.PositionState, error) {
	packed, err := uint32Arg.Pack(id)
	if err != nil {
		return 0, fmt.Errorf("pack stateOf args: %w", err)
	}
	data := append(append([]byte{}, stateOfSelector...), packed...)

	out, err := c.call(ctx, data)
	if err != nil {
		return 0, err
	}
	vals, err := uint8Ret.Unpack(out)
	if err != nil {
		return 0, fmt.Errorf("%w: unpack stateOf: %v", ptypes.ErrPermanentChain, err)
	}
	return ptypes.PositionState(vals[0].(uint8)), nil
}

func (c *ReadClient) NextId(ctx context.Context) (uint32, error) {
	out, err := c.call(ctx, append([]byte{}, nextIdSelector...))
	if err != nil {
		return 0, err
	}
	vals, err := uint32Ret.Unpack(out)
	if err != nil {
		return 0, fmt.Errorf("%w: unpack nextId: %v", ptypes.ErrPermanentChain, err)
	}
	return vals[0].(uint32), nil
}
