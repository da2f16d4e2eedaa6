package chain

import (
	"context"
	"fmt"
	"iter"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/rentescrow/internal/contract"
)

// Filter selects escrow events. Empty Names means every event; a nil
// BookingID means every booking. ToBlock 0 means the latest block.
type Filter struct {
	Names     []string
	BookingID *big.Int
	FromBlock uint64
	ToBlock   uint64
}

func (c *Client) query(f Filter) (ethereum.FilterQuery, error) {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		FromBlock: new(big.Int).SetUint64(f.FromBlock),
	}
	if f.ToBlock > 0 {
		q.ToBlock = new(big.Int).SetUint64(f.ToBlock)
	}

	var ids []common.Hash
	for _, name := range f.Names {
		id, err := contract.EventID(name)
		if err != nil {
			return q, err
		}
		ids = append(ids, id)
	}
	q.Topics = [][]common.Hash{ids}
	if f.BookingID != nil {
		q.Topics = append(q.Topics, []common.Hash{contract.BookingTopic(f.BookingID)})
	}
	return q, nil
}

func (c *Client) filterLogs(ctx context.Context, f Filter) ([]contract.Event, error) {
	q, err := c.query(f)
	if err != nil {
		return nil, err
	}
	var logs []types.Log
	if err := c.do("filter_logs", func() error {
		var err error
		logs, err = c.backend.FilterLogs(ctx, q)
		return err
	}); err != nil {
		return nil, classify("filter_logs", "", err)
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]contract.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || lg.Address != c.contract {
			continue
		}
		ev, err := contract.DecodeLog(lg)
		if err != nil {
			c.logger.Warn("skipping undecodable escrow log", "tx", lg.TxHash.Hex(), "index", lg.Index, "error", err)
			continue
		}
		events = append(events, *ev)
	}
	return events, nil
}

// EventsByFilter returns matching events ordered by block and log index.
func (c *Client) EventsByFilter(ctx context.Context, f Filter) ([]contract.Event, error) {
	if f.ToBlock == 0 {
		head, err := c.Head(ctx)
		if err != nil {
			return nil, err
		}
		f.ToBlock = head
	}
	if f.ToBlock < f.FromBlock {
		return nil, nil
	}
	return c.filterLogs(ctx, f)
}

// ConfirmedHead returns the newest block with MinConfirmations
// confirmations, and false when no block is that deep yet.
func (c *Client) ConfirmedHead(ctx context.Context) (uint64, bool, error) {
	head, err := c.Head(ctx)
	if err != nil {
		return 0, false, err
	}
	if c.minConfirms <= 1 {
		return head, true, nil
	}
	if head+1 < c.minConfirms {
		return 0, false, nil
	}
	return head - c.minConfirms + 1, true, nil
}

// Events is the confirmed event sequence of one booking starting at
// fromBlock. Nothing is fetched until the sequence is ranged over; logs
// are pulled one block window at a time as the consumer advances. Each
// range starts over from fromBlock, so the sequence can be replayed, and
// callers resume by passing the last seen block + 1.
func (c *Client) Events(ctx context.Context, bookingID *big.Int, fromBlock uint64) iter.Seq2[contract.Event, error] {
	return func(yield func(contract.Event, error) bool) {
		if bookingID == nil {
			yield(contract.Event{}, fmt.Errorf("chain: events: booking id required"))
			return
		}
		to, ok, err := c.ConfirmedHead(ctx)
		if err != nil {
			yield(contract.Event{}, err)
			return
		}
		if !ok || fromBlock > to {
			return
		}

		for start := fromBlock; start <= to; start += c.logRange {
			end := start + c.logRange - 1
			if end > to || end < start {
				end = to
			}
			events, err := c.filterLogs(ctx, Filter{BookingID: bookingID, FromBlock: start, ToBlock: end})
			if err != nil {
				yield(contract.Event{}, err)
				return
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
			if end == to {
				return
			}
		}
	}
}
