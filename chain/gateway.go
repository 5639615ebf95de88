package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	ptypes "github.com/web3guy0/perpindexer/types"
)

// Gateway opens one subscription per logical event topic and hands raw
// (undecoded) logs to a per-topic channel, with a watchdog that forces a restart after
// wsURL silence longer than Tau. Gap-filling on restart is the backfill
// controller's job, not the gateway's.
type Gateway struct {
	wsURL        string
	contractAddr common.Address
	Tau          time.Duration
}

func NewGateway(wsURL string, contractAddr common.Address, tau time.Duration) *Gateway {
	return &Gateway{wsURL: wsURL, contractAddr: contractAddr, Tau: tau}
}

// Raw is the envelope delivered to consumers, carrying the undecoded log;
// Run never sets Err, and consumers decode Log themselves.
type Raw struct {
	Log types.Log
	Err error
}

// Run subscribes to one topic and streams raw logs to out until ctx is
// cancelled, the subscription errors, or the watchdog fires. It always
// returns a non-nil error on exit (ctx.Err() on clean cancellation) so the
// caller treats every return as a restart signal.
func (g *Gateway) Run(ctx context.Context, topic Topic, out chan<- Raw) error {
	client, err := ethclient.DialContext(ctx, g.wsURL)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ptypes.ErrTransientChain, g.wsURL, err)
	}
	defer client.Close()

	query := ethereum.FilterQuery{
		Addresses: []common.Address{g.contractAddr},
		Topics:    [][]common.Hash{{topic.Hash()}},
	}

	logCh := make(chan types.Log, 256)
	sub, err := client.SubscribeFilterLogs(ctx, query, logCh)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ptypes.ErrTransientChain, topic, err)
	}
	defer sub.Unsubscribe()

	watchdog := time.NewTimer(g.Tau)
	defer watchdog.Stop()

	log.Info().Str("topic", topic.String()).Msg("chain gateway subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			return fmt.Errorf("%w: subscription %s: %v", ptypes.ErrTransientChain, topic, err)

		case <-watchdog.C:
			return fmt.Errorf("%w: watchdog fired on %s after %s silence", ptypes.ErrTransientChain, topic, g.Tau)

		case raw := <-logCh:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(g.Tau)

			select {
			case out <- Raw{Log: raw}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
