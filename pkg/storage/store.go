package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store persists what must survive a restart: the seen-order index that
// absorbs at-least-once redelivery, the settlement journal, and operator
// reward balances. Matching state itself is process-scoped and is not
// persisted.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// keys: o:<orderID>, s:<32-byte-match-hash>, r:<20-byte-address>
func kOrder(id string) []byte { return append([]byte("o:"), id...) }

func kSettlement(h common.Hash) []byte { return append([]byte("s:"), h[:]...) }

func kReward(addr common.Address) []byte { return append([]byte("r:"), addr[:]...) }

// SeenOrder reports whether an order id was already ingested.
func (s *Store) SeenOrder(id string) (bool, error) {
	_, closer, err := s.db.Get(kOrder(id))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get order marker: %w", err)
	}
	closer.Close()
	return true, nil
}

// MarkOrder records an order id as ingested.
func (s *Store) MarkOrder(id string) error {
	if err := s.db.Set(kOrder(id), []byte{1}, pebble.Sync); err != nil {
		return fmt.Errorf("mark order: %w", err)
	}
	return nil
}

// SettlementRecord is one journaled, ledger-confirmed settlement.
type SettlementRecord struct {
	MatchHash     string    `json:"match_hash"`
	Venue         string    `json:"venue"`
	Buyers        []string  `json:"buyers"`
	Sellers       []string  `json:"sellers"`
	BuyerAmounts  []int64   `json:"buyer_amounts"`
	SellerAmounts []int64   `json:"seller_amounts"`
	ClearingPrice string    `json:"clearing_price"`
	SettledAt     time.Time `json:"settled_at"`
}

func (s *Store) SaveSettlement(h common.Hash, rec SettlementRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	if err := s.db.Set(kSettlement(h), data, pebble.Sync); err != nil {
		return fmt.Errorf("save settlement: %w", err)
	}
	return nil
}

// ListSettlements returns up to limit journaled settlements.
func (s *Store) ListSettlements(limit int) ([]SettlementRecord, error) {
	prefix := []byte("s:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: []byte("s;"), // ';' is ':'+1
	})
	if err != nil {
		return nil, fmt.Errorf("settlement iter: %w", err)
	}
	defer iter.Close()

	var out []SettlementRecord
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var rec SettlementRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// AddReward accumulates a reward payout for an operator.
func (s *Store) AddReward(addr common.Address, amount int64) error {
	cur, err := s.Reward(addr)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(cur+amount))
	if err := s.db.Set(kReward(addr), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("save reward: %w", err)
	}
	return nil
}

// Reward returns the persisted reward balance of an operator.
func (s *Store) Reward(addr common.Address) (int64, error) {
	val, closer, err := s.db.Get(kReward(addr))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get reward: %w", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt reward value for %s", addr.Hex())
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}
