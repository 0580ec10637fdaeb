package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"github.com/bftanchor/anchor-core/types"
)

func newTestSchema(t *testing.T) *Schema {
	t.Helper()
	return NewSchema(dbm.NewMemDB(), log.NewNopLogger())
}

func testConfig(interval int64, keys ...string) types.AnchoringConfig {
	cfg := types.AnchoringConfig{
		Network:           "regtest",
		AnchoringInterval: interval,
		TransactionFee:    10,
	}
	for _, k := range keys {
		cfg.AnchoringKeys = append(cfg.AnchoringKeys, types.ValidatorKey{BitcoinKey: k})
	}
	return cfg
}

func TestAnchoredTxAppendAndRange(t *testing.T) {
	s := newTestSchema(t)

	count, err := s.AnchoredTxCount()
	require.NoError(t, err)
	require.Zero(t, count)

	for i, tx := range []string{"aa", "bb", "cc"} {
		seq, err := s.AppendAnchoredTx(tx)
		require.NoError(t, err)
		require.EqualValues(t, i, seq)
	}

	count, err = s.AnchoredTxCount()
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	txs, err := s.AnchoredTxRange(1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"bb", "cc"}, txs)

	txs, err = s.AnchoredTxRange(0, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"aa", "bb"}, txs)

	tx, err := s.AnchoredTx(2)
	require.NoError(t, err)
	require.Equal(t, "cc", tx)
}

func TestTipRoundTrip(t *testing.T) {
	s := newTestSchema(t)

	tip, err := s.Tip()
	require.NoError(t, err)
	require.Nil(t, tip)

	require.NoError(t, s.SetTip(types.TipInfo{Seq: 4, TxID: "deadbeef", TxHex: "aa"}))
	tip, err = s.Tip()
	require.NoError(t, err)
	require.NotNil(t, tip)
	require.EqualValues(t, 4, tip.Seq)
	require.Equal(t, "deadbeef", tip.TxID)
}

func TestSignatureStore(t *testing.T) {
	s := newTestSchema(t)
	txid := "00ff"

	added, err := s.AddSignature(txid, 0, 2, []byte{0x01})
	require.NoError(t, err)
	require.True(t, added)

	// duplicate row is refused without overwriting
	added, err = s.AddSignature(txid, 0, 2, []byte{0x99})
	require.NoError(t, err)
	require.False(t, added)

	added, err = s.AddSignature(txid, 0, 0, []byte{0x02})
	require.NoError(t, err)
	require.True(t, added)
	added, err = s.AddSignature(txid, 1, 2, []byte{0x03})
	require.NoError(t, err)
	require.True(t, added)

	sigs, err := s.Signatures(txid, 0)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.Equal(t, []byte{0x01}, sigs[2])
	require.Equal(t, []byte{0x02}, sigs[0])

	sigs, err = s.Signatures(txid, 1)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	require.NoError(t, s.PruneSignatures(txid))
	sigs, err = s.Signatures(txid, 0)
	require.NoError(t, err)
	require.Empty(t, sigs)
	sigs, err = s.Signatures(txid, 1)
	require.NoError(t, err)
	require.Empty(t, sigs)
}

func TestConfigHistoryLookup(t *testing.T) {
	s := newTestSchema(t)

	cfg, _, err := s.ConfigByHeight(100)
	require.NoError(t, err)
	require.Nil(t, cfg)

	require.NoError(t, s.AddConfig(0, testConfig(1000, "k0")))
	require.NoError(t, s.AddConfig(2000, testConfig(1000, "k1")))
	require.NoError(t, s.AddConfig(5000, testConfig(500, "k2")))

	cfg, activation, err := s.ConfigByHeight(0)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.EqualValues(t, 0, activation)
	require.Equal(t, "k0", cfg.AnchoringKeys[0].BitcoinKey)

	cfg, activation, err = s.ConfigByHeight(1999)
	require.NoError(t, err)
	require.EqualValues(t, 0, activation)

	cfg, activation, err = s.ConfigByHeight(2000)
	require.NoError(t, err)
	require.EqualValues(t, 2000, activation)
	require.Equal(t, "k1", cfg.AnchoringKeys[0].BitcoinKey)

	cfg, activation, err = s.ConfigByHeight(999999)
	require.NoError(t, err)
	require.EqualValues(t, 5000, activation)

	next, activation, err := s.NextConfigAfter(2000)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.EqualValues(t, 5000, activation)

	next, _, err = s.NextConfigAfter(5000)
	require.NoError(t, err)
	require.Nil(t, next)

	entries, err := s.ConfigHistory()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.EqualValues(t, 0, entries[0].ActivationHeight)
	require.EqualValues(t, 5000, entries[2].ActivationHeight)
}

func TestFollowingConfig(t *testing.T) {
	s := newTestSchema(t)

	following, err := s.Following()
	require.NoError(t, err)
	require.Nil(t, following)

	msg := types.ConfigUpdateMsg{ActualFrom: 2000, Config: testConfig(1000, "k1")}
	require.NoError(t, s.SetFollowing(msg))
	following, err = s.Following()
	require.NoError(t, err)
	require.NotNil(t, following)
	require.EqualValues(t, 2000, following.ActualFrom)

	require.NoError(t, s.ClearFollowing())
	following, err = s.Following()
	require.NoError(t, err)
	require.Nil(t, following)
}

func TestProposalRoundTrip(t *testing.T) {
	s := newTestSchema(t)

	prop, err := s.Proposal()
	require.NoError(t, err)
	require.Nil(t, prop)

	require.NoError(t, s.SetProposal(types.Proposal{TxID: "abc", TargetHeight: 1000}))
	prop, err = s.Proposal()
	require.NoError(t, err)
	require.NotNil(t, prop)
	require.Equal(t, "abc", prop.TxID)

	require.NoError(t, s.ClearProposal())
	prop, err = s.Proposal()
	require.NoError(t, err)
	require.Nil(t, prop)
}

func TestFundingVotesQuorum(t *testing.T) {
	s := newTestSchema(t)

	votes, err := s.AddFundingVote("tx1", 0, "rawhex")
	require.NoError(t, err)
	require.Equal(t, 1, votes)

	// same validator re-voting does not add weight
	votes, err = s.AddFundingVote("tx1", 0, "rawhex")
	require.NoError(t, err)
	require.Equal(t, 1, votes)

	// diverging payloads do not count toward the same tally
	votes, err = s.AddFundingVote("tx1", 1, "otherhex")
	require.NoError(t, err)
	require.Equal(t, 1, votes)

	votes, err = s.AddFundingVote("tx1", 2, "rawhex")
	require.NoError(t, err)
	require.Equal(t, 2, votes)

	require.NoError(t, s.AcceptFunding("tx1", "rawhex"))
	txs, err := s.FundingTxs()
	require.NoError(t, err)
	require.Equal(t, []string{"rawhex"}, txs)

	// votes are cleared on acceptance
	votes, err = s.AddFundingVote("tx1", 3, "rawhex")
	require.NoError(t, err)
	require.Equal(t, 1, votes)

	require.NoError(t, s.RemoveFunding("tx1"))
	txs, err = s.FundingTxs()
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestSpentMarks(t *testing.T) {
	s := newTestSchema(t)

	spent, err := s.IsSpent("tx1", 0)
	require.NoError(t, err)
	require.False(t, spent)

	require.NoError(t, s.MarkSpent("tx1", 0))
	spent, err = s.IsSpent("tx1", 0)
	require.NoError(t, err)
	require.True(t, spent)

	spent, err = s.IsSpent("tx1", 1)
	require.NoError(t, err)
	require.False(t, spent)
}

func TestConfigVotes(t *testing.T) {
	s := newTestSchema(t)

	votes, err := s.AddConfigVote("digest1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, votes)
	votes, err = s.AddConfigVote("digest1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, votes)
	votes, err = s.AddConfigVote("digest1", 1)
	require.NoError(t, err)
	require.Equal(t, 2, votes)

	require.NoError(t, s.ClearConfigVotes("digest1"))
	votes, err = s.AddConfigVote("digest1", 2)
	require.NoError(t, err)
	require.Equal(t, 1, votes)
}
