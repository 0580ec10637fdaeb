package schema

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"github.com/bftanchor/anchor-core/types"
)

// Key layout under the service prefix:
//
//	anchoring/anchored_txs/<seq u64-be>                      raw tx hex
//	anchoring/signatures/<txid>/<input u32-be>/<val u16-be>  signature bytes
//	anchoring/config_history/<height u64-be>                 AnchoringConfig JSON
//	anchoring/tip                                            TipInfo JSON
//	anchoring/following_config                               ConfigUpdateMsg JSON
//	anchoring/proposal                                       Proposal JSON
//	anchoring/funding/<txid>                                 raw tx hex
//	anchoring/fund_votes/<txid>/<val u16-be>                 raw tx hex
//	anchoring/cfg_votes/<digest>/<val u16-be>                marker
//	anchoring/spent/<txid>:<vout>                            marker
const servicePrefix = "anchoring/"

// Schema wraps the persisted anchoring indices. All writes happen inside the
// deterministic commit phase; iteration uses explicit key ranges so ordering
// never depends on map traversal.
type Schema struct {
	Db     dbm.DB
	Logger log.Logger
}

func NewSchema(db dbm.DB, logger log.Logger) *Schema {
	return &Schema{Db: db, Logger: logger}
}

func u64be(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func u32be(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func u16be(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

func key(parts ...[]byte) []byte {
	k := []byte(servicePrefix)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// ---- anchored_txs ----

// AnchoredTxCount returns the number of finalized anchoring transactions,
// which is also the next sequence number.
func (s *Schema) AnchoredTxCount() (uint64, error) {
	raw, err := s.Db.Get(key([]byte("anchored_count")))
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

// AppendAnchoredTx appends a finalized transaction body and returns its
// sequence number.
func (s *Schema) AppendAnchoredTx(txHex string) (uint64, error) {
	seq, err := s.AnchoredTxCount()
	if err != nil {
		return 0, err
	}
	if err := s.Db.Set(key([]byte("anchored_txs/"), u64be(seq)), []byte(txHex)); err != nil {
		return 0, err
	}
	if err := s.Db.Set(key([]byte("anchored_count")), u64be(seq+1)); err != nil {
		return 0, err
	}
	return seq, nil
}

// AnchoredTx returns the finalized transaction at the given sequence number.
func (s *Schema) AnchoredTx(seq uint64) (string, error) {
	raw, err := s.Db.Get(key([]byte("anchored_txs/"), u64be(seq)))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// AnchoredTxRange returns up to count transactions starting at from.
func (s *Schema) AnchoredTxRange(from, count uint64) ([]string, error) {
	total, err := s.AnchoredTxCount()
	if err != nil {
		return nil, err
	}
	txs := []string{}
	for seq := from; seq < total && uint64(len(txs)) < count; seq++ {
		tx, err := s.AnchoredTx(seq)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// ---- tip ----

// Tip returns the latest finalized anchoring transaction, or nil before the
// first finalization.
func (s *Schema) Tip() (*types.TipInfo, error) {
	raw, err := s.Db.Get(key([]byte("tip")))
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	var tip types.TipInfo
	if err := json.Unmarshal(raw, &tip); err != nil {
		return nil, err
	}
	return &tip, nil
}

func (s *Schema) SetTip(tip types.TipInfo) error {
	raw, err := json.Marshal(tip)
	if err != nil {
		return err
	}
	return s.Db.Set(key([]byte("tip")), raw)
}

// ---- signatures ----

func sigKey(txid string, input uint32, validator uint16) []byte {
	return key([]byte("signatures/"), []byte(txid), []byte("/"), u32be(input), []byte("/"), u16be(validator))
}

// AddSignature stores a witness signature. Returns false without writing
// when the same (txid, input, validator) row already exists.
func (s *Schema) AddSignature(txid string, input uint32, validator uint16, sig []byte) (bool, error) {
	k := sigKey(txid, input, validator)
	existing, err := s.Db.Get(k)
	if err != nil {
		return false, err
	}
	if len(existing) != 0 {
		return false, nil
	}
	return true, s.Db.Set(k, sig)
}

// Signatures returns all stored signatures for one input of a proposal,
// keyed by validator index.
func (s *Schema) Signatures(txid string, input uint32) (map[uint16][]byte, error) {
	prefix := key([]byte("signatures/"), []byte(txid), []byte("/"), u32be(input), []byte("/"))
	itr, err := s.Db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer itr.Close()
	sigs := map[uint16][]byte{}
	for ; itr.Valid(); itr.Next() {
		k := itr.Key()
		validator := binary.BigEndian.Uint16(k[len(k)-2:])
		sigs[validator] = append([]byte{}, itr.Value()...)
	}
	return sigs, nil
}

// PruneSignatures deletes every signature row of the given proposal.
func (s *Schema) PruneSignatures(txid string) error {
	prefix := key([]byte("signatures/"), []byte(txid), []byte("/"))
	itr, err := s.Db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return err
	}
	keys := [][]byte{}
	for ; itr.Valid(); itr.Next() {
		keys = append(keys, append([]byte{}, itr.Key()...))
	}
	itr.Close()
	for _, k := range keys {
		if err := s.Db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ---- config history ----

// AddConfig stores a config snapshot activating at the given height.
func (s *Schema) AddConfig(height int64, cfg types.AnchoringConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.Db.Set(key([]byte("config_history/"), u64be(uint64(height))), raw)
}

// ConfigByHeight returns the snapshot with the greatest activation height
// not exceeding h, together with its activation height.
func (s *Schema) ConfigByHeight(h int64) (*types.AnchoringConfig, int64, error) {
	prefix := key([]byte("config_history/"))
	end := key([]byte("config_history/"), u64be(uint64(h)+1))
	itr, err := s.Db.ReverseIterator(prefix, end)
	if err != nil {
		return nil, 0, err
	}
	defer itr.Close()
	if !itr.Valid() {
		return nil, 0, nil
	}
	k := itr.Key()
	activation := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
	var cfg types.AnchoringConfig
	if err := json.Unmarshal(itr.Value(), &cfg); err != nil {
		return nil, 0, err
	}
	return &cfg, activation, nil
}

// ConfigEntry is one row of the config history.
type ConfigEntry struct {
	ActivationHeight int64
	Config           types.AnchoringConfig
}

// ConfigHistory returns every stored snapshot in activation order.
func (s *Schema) ConfigHistory() ([]ConfigEntry, error) {
	prefix := key([]byte("config_history/"))
	itr, err := s.Db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer itr.Close()
	entries := []ConfigEntry{}
	for ; itr.Valid(); itr.Next() {
		k := itr.Key()
		var cfg types.AnchoringConfig
		if err := json.Unmarshal(itr.Value(), &cfg); err != nil {
			return nil, err
		}
		entries = append(entries, ConfigEntry{
			ActivationHeight: int64(binary.BigEndian.Uint64(k[len(k)-8:])),
			Config:           cfg,
		})
	}
	return entries, nil
}

// NextConfigAfter returns the earliest snapshot activating strictly after h,
// or nil.
func (s *Schema) NextConfigAfter(h int64) (*types.AnchoringConfig, int64, error) {
	start := key([]byte("config_history/"), u64be(uint64(h)+1))
	end := prefixEnd(key([]byte("config_history/")))
	itr, err := s.Db.Iterator(start, end)
	if err != nil {
		return nil, 0, err
	}
	defer itr.Close()
	if !itr.Valid() {
		return nil, 0, nil
	}
	k := itr.Key()
	activation := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
	var cfg types.AnchoringConfig
	if err := json.Unmarshal(itr.Value(), &cfg); err != nil {
		return nil, 0, err
	}
	return &cfg, activation, nil
}

// ---- following config ----

// Following returns the pending rollover config, or nil.
func (s *Schema) Following() (*types.ConfigUpdateMsg, error) {
	raw, err := s.Db.Get(key([]byte("following_config")))
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	var msg types.ConfigUpdateMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Schema) SetFollowing(msg types.ConfigUpdateMsg) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Db.Set(key([]byte("following_config")), raw)
}

func (s *Schema) ClearFollowing() error {
	return s.Db.Delete(key([]byte("following_config")))
}

// ---- proposal ----

// Proposal returns the pending unsigned proposal, or nil.
func (s *Schema) Proposal() (*types.Proposal, error) {
	raw, err := s.Db.Get(key([]byte("proposal")))
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	var p types.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Schema) SetProposal(p types.Proposal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.Db.Set(key([]byte("proposal")), raw)
}

func (s *Schema) ClearProposal() error {
	return s.Db.Delete(key([]byte("proposal")))
}

// ---- funding ----

// AddFundingVote records one validator's submission of a funding tx and
// returns the resulting vote count.
func (s *Schema) AddFundingVote(txid string, validator uint16, rawTx string) (int, error) {
	k := key([]byte("fund_votes/"), []byte(txid), []byte("/"), u16be(validator))
	if err := s.Db.Set(k, []byte(rawTx)); err != nil {
		return 0, err
	}
	prefix := key([]byte("fund_votes/"), []byte(txid), []byte("/"))
	itr, err := s.Db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return 0, err
	}
	defer itr.Close()
	count := 0
	for ; itr.Valid(); itr.Next() {
		if string(itr.Value()) == rawTx {
			count++
		}
	}
	return count, nil
}

// AcceptFunding promotes a funding tx into the spendable set and clears its
// votes.
func (s *Schema) AcceptFunding(txid, rawTx string) error {
	if err := s.Db.Set(key([]byte("funding/"), []byte(txid)), []byte(rawTx)); err != nil {
		return err
	}
	prefix := key([]byte("fund_votes/"), []byte(txid), []byte("/"))
	itr, err := s.Db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return err
	}
	keys := [][]byte{}
	for ; itr.Valid(); itr.Next() {
		keys = append(keys, append([]byte{}, itr.Key()...))
	}
	itr.Close()
	for _, k := range keys {
		if err := s.Db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// FundingTxs returns the accepted funding transactions in txid order.
func (s *Schema) FundingTxs() ([]string, error) {
	prefix := key([]byte("funding/"))
	itr, err := s.Db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer itr.Close()
	txs := []string{}
	for ; itr.Valid(); itr.Next() {
		txs = append(txs, string(itr.Value()))
	}
	return txs, nil
}

// RemoveFunding drops a funding tx from the spendable set.
func (s *Schema) RemoveFunding(txid string) error {
	return s.Db.Delete(key([]byte("funding/"), []byte(txid)))
}

// MarkSpent records that an outpoint has been consumed by a finalized
// anchoring transaction.
func (s *Schema) MarkSpent(txid string, vout uint32) error {
	return s.Db.Set(key([]byte("spent/"), []byte(fmt.Sprintf("%s:%d", txid, vout))), []byte{1})
}

// IsSpent reports whether the outpoint was already consumed.
func (s *Schema) IsSpent(txid string, vout uint32) (bool, error) {
	raw, err := s.Db.Get(key([]byte("spent/"), []byte(fmt.Sprintf("%s:%d", txid, vout))))
	if err != nil {
		return false, err
	}
	return len(raw) != 0, nil
}

// ---- config votes ----

// AddConfigVote records one validator's vote for a config update identified
// by its digest and returns the vote count.
func (s *Schema) AddConfigVote(digest string, validator uint16) (int, error) {
	k := key([]byte("cfg_votes/"), []byte(digest), []byte("/"), u16be(validator))
	if err := s.Db.Set(k, []byte{1}); err != nil {
		return 0, err
	}
	prefix := key([]byte("cfg_votes/"), []byte(digest), []byte("/"))
	itr, err := s.Db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return 0, err
	}
	defer itr.Close()
	count := 0
	for ; itr.Valid(); itr.Next() {
		count++
	}
	return count, nil
}

// ClearConfigVotes removes all votes for a config digest.
func (s *Schema) ClearConfigVotes(digest string) error {
	prefix := key([]byte("cfg_votes/"), []byte(digest), []byte("/"))
	itr, err := s.Db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return err
	}
	keys := [][]byte{}
	for ; itr.Valid(); itr.Next() {
		keys = append(keys, append([]byte{}, itr.Key()...))
	}
	itr.Close()
	for _, k := range keys {
		if err := s.Db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
