package chain

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

type fieldKind uint8

const (
	kindUint256 fieldKind = iota + 1
	kindAddress
	kindBytes32
	kindBytes
	kindString
	kindUint256Array
	kindBytes32Array
)

// Field is one typed value in a signed payload. Values are tightly packed the
// way Solidity's abi.encodePacked lays them out.
type Field struct {
	kind  fieldKind
	num   *uint256.Int
	addr  common.Address
	word  [32]byte
	raw   []byte
	nums  []*uint256.Int
	words [][32]byte
}

// Uint256 wraps a 256-bit unsigned integer.
func Uint256(v *uint256.Int) Field {
	if v == nil {
		v = new(uint256.Int)
	}
	return Field{kind: kindUint256, num: v}
}

// Uint wraps a small unsigned integer.
func Uint(v uint64) Field { return Uint256(uint256.NewInt(v)) }

// Address wraps a 20-byte account.
func Address(a common.Address) Field { return Field{kind: kindAddress, addr: a} }

// Bytes32 wraps a fixed word.
func Bytes32(w [32]byte) Field { return Field{kind: kindBytes32, word: w} }

// Bytes wraps dynamic bytes.
func Bytes(b []byte) Field { return Field{kind: kindBytes, raw: b} }

// String wraps a UTF-8 string.
func String(s string) Field { return Field{kind: kindString, raw: []byte(s)} }

// Uint256Array wraps a uint256[] value.
func Uint256Array(vs []*uint256.Int) Field { return Field{kind: kindUint256Array, nums: vs} }

// Bytes32Array wraps a bytes32[] value.
func Bytes32Array(ws [][32]byte) Field { return Field{kind: kindBytes32Array, words: ws} }

// IDToBytes32 right-pads an ASCII identifier into a bytes32 word.
func IDToBytes32(id string) ([32]byte, error) {
	var w [32]byte
	if len(id) > 32 {
		return w, fmt.Errorf("identifier %q longer than 32 bytes", id)
	}
	copy(w[:], id)
	return w, nil
}

// Bytes32ToID strips the zero padding added by IDToBytes32.
func Bytes32ToID(w [32]byte) string {
	end := len(w)
	for end > 0 && w[end-1] == 0 {
		end--
	}
	return string(w[:end])
}

func (f Field) pack() []byte {
	switch f.kind {
	case kindUint256:
		b := f.num.Bytes32()
		return b[:]
	case kindAddress:
		return f.addr.Bytes()
	case kindBytes32:
		return f.word[:]
	case kindBytes, kindString:
		return f.raw
	case kindUint256Array:
		out := make([]byte, 0, 32*len(f.nums))
		for _, n := range f.nums {
			if n == nil {
				n = new(uint256.Int)
			}
			b := n.Bytes32()
			out = append(out, b[:]...)
		}
		return out
	case kindBytes32Array:
		out := make([]byte, 0, 32*len(f.words))
		for _, w := range f.words {
			out = append(out, w[:]...)
		}
		return out
	}
	return nil
}

// PackedHash returns keccak256 over the packed encoding of fields.
func PackedHash(fields ...Field) common.Hash {
	buf := make([]byte, 0, 32*len(fields))
	for _, f := range fields {
		buf = append(buf, f.pack()...)
	}
	return ethcrypto.Keccak256Hash(buf)
}

// Sign hashes fields, applies the personal-message prefix and signs with key.
// The recovery id is returned in the 27/28 form wallets expect.
func Sign(fields []Field, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("chain: signing key required")
	}
	digest := accounts.TextHash(PackedHash(fields...).Bytes())
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that produced sig over fields.
func Recover(fields []Field, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("chain: signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	digest := accounts.TextHash(PackedHash(fields...).Bytes())
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// ParsePrivateKey decodes a hex private key with or without 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.HexToECDSA(trimHex(hexKey))
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}
	return key, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
