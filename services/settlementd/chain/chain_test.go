package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	serrors "nftledger/services/settlementd/errors"
)

var (
	exchange = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	txHash   = "0xabab000000000000000000000000000000000000000000000000000000000001"
)

type fakeRPC struct {
	receipts map[common.Hash]*gethtypes.Receipt
	errs     []error
	calls    int
}

func (f *fakeRPC) TransactionReceipt(_ context.Context, h common.Hash) (*gethtypes.Receipt, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func TestPackedHashMatchesSolidityEncoding(t *testing.T) {
	got := PackedHash(Uint(1))
	require.Equal(t, "0xb10e2d527612073b26eecdfd717e6a320cf44b4afac2b0732d9fcbe2b7fa0cf6", got.Hex())

	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	manual := append(append([]byte{}, addr.Bytes()...), []byte("tx-1")...)
	require.Equal(t, ethcrypto.Keccak256Hash(manual), PackedHash(Address(addr), String("tx-1")))
}

func TestSignAndRecoverRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	id, err := IDToBytes32("0f8fad5bd9cb469fa16570867728950e")
	require.NoError(t, err)

	fields := []Field{
		Bytes32(id),
		Address(common.HexToAddress("0x1111111111111111111111111111111111111111")),
		Uint256(uint256.NewInt(3)),
		Uint256Array([]*uint256.Int{uint256.NewInt(7), uint256.NewInt(8)}),
	}
	sig, err := Sign(fields, key)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.True(t, sig[64] == 27 || sig[64] == 28)

	signer, err := Recover(fields, sig)
	require.NoError(t, err)
	require.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), signer)

	tampered := append([]Field{}, fields...)
	tampered[2] = Uint(4)
	other, err := Recover(tampered, sig)
	require.NoError(t, err)
	require.NotEqual(t, signer, other)
}

func TestBytes32IDRoundTrip(t *testing.T) {
	w, err := IDToBytes32("abc")
	require.NoError(t, err)
	require.Equal(t, "abc", Bytes32ToID(w))
	_, err = IDToBytes32("this identifier is definitely longer than 32 bytes")
	require.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(errors.New("429 Too Many Requests")))
	require.True(t, IsRetryable(errors.New("CONNECTION ERROR: Couldn't connect to node")))
	require.True(t, IsRetryable(errors.New("Invalid JSON RPC response: \"\"")))
	require.True(t, IsRetryable(context.DeadlineExceeded))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(errors.New("execution reverted")))
	require.False(t, IsRetryable(nil))
}

func newClient(t *testing.T, rpc RPC) *Client {
	t.Helper()
	c, err := NewClient(Config{RPC: rpc, ExchangeContract: exchange, MaxRetry: 3, RetryBackoff: 1})
	require.NoError(t, err)
	return c
}

func TestReceiptRetriesTransientErrors(t *testing.T) {
	h := common.HexToHash(txHash)
	rpc := &fakeRPC{
		receipts: map[common.Hash]*gethtypes.Receipt{h: {Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}},
		errs:     []error{errors.New("connection timeout"), errors.New("too many requests")},
	}
	r, err := newClient(t, rpc).Receipt(context.Background(), txHash)
	require.NoError(t, err)
	require.False(t, r.Status)
	require.EqualValues(t, 9, r.BlockNumber)
	require.Equal(t, 3, rpc.calls)
}

func TestReceiptFatalAndMissing(t *testing.T) {
	rpc := &fakeRPC{errs: []error{errors.New("execution reverted")}}
	c := newClient(t, rpc)
	_, err := c.Receipt(context.Background(), txHash)
	require.ErrorIs(t, err, serrors.ErrChain)
	require.Equal(t, 1, rpc.calls)

	_, err = c.Receipt(context.Background(), txHash)
	require.ErrorIs(t, err, ErrReceiptNotFound)

	_, err = c.Receipt(context.Background(), "0x1234")
	require.ErrorIs(t, err, serrors.ErrValidation)
}

func mintedLog(t *testing.T, emitter common.Address, txID string, tokenIDs ...int64) *gethtypes.Log {
	t.Helper()
	parsed, err := ExchangeABI()
	require.NoError(t, err)
	ev := parsed.Events[EventMinted]
	id, err := IDToBytes32(txID)
	require.NoError(t, err)
	nft, err := IDToBytes32("inv-1")
	require.NoError(t, err)
	ids := make([]*big.Int, 0, len(tokenIDs))
	for _, v := range tokenIDs {
		ids = append(ids, big.NewInt(v))
	}
	data, err := ev.Inputs.NonIndexed().Pack(id, common.HexToAddress("0x2222222222222222222222222222222222222222"), nft, ids, big.NewInt(int64(len(ids))))
	require.NoError(t, err)
	return &gethtypes.Log{Address: emitter, Topics: []common.Hash{ev.ID}, Data: data}
}

func TestEventByHashDecodesExchangeLogs(t *testing.T) {
	h := common.HexToHash(txHash)
	rpc := &fakeRPC{receipts: map[common.Hash]*gethtypes.Receipt{h: {
		Status: gethtypes.ReceiptStatusSuccessful,
		Logs:   []*gethtypes.Log{mintedLog(t, exchange, "tx-42", 11, 12)},
	}}}
	events, receipt, err := newClient(t, rpc).EventByHash(context.Background(), txHash)
	require.NoError(t, err)
	require.True(t, receipt.Status)
	require.Len(t, events, 1)
	require.Equal(t, EventMinted, events[0].Name)
	require.Equal(t, "tx-42", events[0].TransactionID)
	require.Equal(t, "inv-1", events[0].TargetID)
	require.Equal(t, []string{"11", "12"}, events[0].TokenIDs)
	require.EqualValues(t, 2, events[0].Quantity)
}

func TestEventByHashRejectsForeignEmitter(t *testing.T) {
	h := common.HexToHash(txHash)
	foreign := common.HexToAddress("0x9999999999999999999999999999999999999999")
	rpc := &fakeRPC{receipts: map[common.Hash]*gethtypes.Receipt{h: {
		Status: gethtypes.ReceiptStatusSuccessful,
		Logs:   []*gethtypes.Log{mintedLog(t, foreign, "tx-42", 11)},
	}}}
	_, _, err := newClient(t, rpc).EventByHash(context.Background(), txHash)
	require.ErrorIs(t, err, serrors.ErrDataError)
}
