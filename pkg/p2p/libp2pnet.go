package p2p

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/nettinglabs/cownet/pkg/book"
	"github.com/nettinglabs/cownet/pkg/quorum"
)

const (
	topicOrders = "cow-orders-v1"
	topicTasks  = "cow-tasks-v1"
	topicVotes  = "cow-votes-v1"
	topicSettle = "cow-settlements-v1"
)

// Handlers are the inbound callbacks the engine wires in. They run on the
// network's reader goroutines, so implementations must hand off to the
// ingestion loop instead of mutating shared state.
type Handlers struct {
	OnOrder      func(book.Order)
	OnTask       func(TaskAnnounce)
	OnVote       func(quorum.Vote)
	OnSettlement func(SettlementNotice)
}

// Net is the gossipsub operator network: one topic each for observed
// orders, task announcements and votes. Every operator sees every message
// and tallies votes independently.
type Net struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	tOrders, tTasks, tVotes, tSettle *pubsub.Topic

	muH      sync.RWMutex
	handlers Handlers
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewNet(ctx context.Context, cfg Config) (*Net, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	n := &Net{h: h, ps: ps, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := n.joinTopics(ctx); err != nil {
		return nil, err
	}

	if cfg.Logger != nil {
		cfg.Logger.Infow("p2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Net) joinTopics(ctx context.Context) error {
	var err error
	if n.tOrders, err = n.ps.Join(topicOrders); err != nil {
		return err
	}
	if n.tTasks, err = n.ps.Join(topicTasks); err != nil {
		return err
	}
	if n.tVotes, err = n.ps.Join(topicVotes); err != nil {
		return err
	}
	if n.tSettle, err = n.ps.Join(topicSettle); err != nil {
		return err
	}

	subOrders, err := n.tOrders.Subscribe()
	if err != nil {
		return err
	}
	subTasks, err := n.tTasks.Subscribe()
	if err != nil {
		return err
	}
	subVotes, err := n.tVotes.Subscribe()
	if err != nil {
		return err
	}
	subSettle, err := n.tSettle.Subscribe()
	if err != nil {
		return err
	}

	go n.readOrders(ctx, subOrders)
	go n.readTasks(ctx, subTasks)
	go n.readVotes(ctx, subVotes)
	go n.readSettlements(ctx, subSettle)
	return nil
}

func (n *Net) SetHandlers(h Handlers) {
	n.muH.Lock()
	n.handlers = h
	n.muH.Unlock()
}

func (n *Net) getHandlers() Handlers {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handlers
}

func (n *Net) Host() host.Host { return n.h }

func (n *Net) Close() error { return n.h.Close() }

// PublishOrder gossips an observed order to the operator network.
func (n *Net) PublishOrder(ctx context.Context, o *book.Order) error {
	data, err := gobEncode(orderToWire(o))
	if err != nil {
		return err
	}
	return n.tOrders.Publish(ctx, data)
}

// PublishTask broadcasts a task announcement with full batch contents.
func (n *Net) PublishTask(ctx context.Context, a TaskAnnounce) error {
	data, err := gobEncode(taskToWire(a))
	if err != nil {
		return err
	}
	return n.tTasks.Publish(ctx, data)
}

// PublishVote broadcasts a signed vote; every operator tallies it.
func (n *Net) PublishVote(ctx context.Context, v quorum.Vote) error {
	data, err := gobEncode(voteToWire(v))
	if err != nil {
		return err
	}
	return n.tVotes.Publish(ctx, data)
}

// PublishSettlement broadcasts the settlement outcome of a batch this
// operator submitted to the ledger.
func (n *Net) PublishSettlement(ctx context.Context, s SettlementNotice) error {
	data, err := gobEncode(SettlementWire{MatchHash: s.MatchHash, Creator: s.Creator, OK: s.OK, Sig: s.Sig})
	if err != nil {
		return err
	}
	return n.tSettle.Publish(ctx, data)
}

func (n *Net) readOrders(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var w OrderWire
		if err := gobDecode(msg.Data, &w); err != nil {
			if n.log != nil {
				n.log.Warnw("order_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			}
			continue
		}
		if h := n.getHandlers().OnOrder; h != nil {
			h(*w.toOrder())
		}
	}
}

func (n *Net) readTasks(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var w TaskWire
		if err := gobDecode(msg.Data, &w); err != nil {
			if n.log != nil {
				n.log.Warnw("task_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			}
			continue
		}
		a, err := w.toAnnounce()
		if err != nil {
			if n.log != nil {
				n.log.Warnw("task_malformed", "err", err)
			}
			continue
		}
		if h := n.getHandlers().OnTask; h != nil {
			h(a)
		}
	}
}

func (n *Net) readVotes(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var w VoteWire
		if err := gobDecode(msg.Data, &w); err != nil {
			if n.log != nil {
				n.log.Warnw("vote_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			}
			continue
		}
		if h := n.getHandlers().OnVote; h != nil {
			h(w.toVote())
		}
	}
}

func (n *Net) readSettlements(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var w SettlementWire
		if err := gobDecode(msg.Data, &w); err != nil {
			if n.log != nil {
				n.log.Warnw("settlement_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			}
			continue
		}
		if h := n.getHandlers().OnSettlement; h != nil {
			h(SettlementNotice{MatchHash: common.Hash(w.MatchHash), Creator: common.Address(w.Creator), OK: w.OK, Sig: w.Sig})
		}
	}
}
