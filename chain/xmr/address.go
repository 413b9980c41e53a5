package xmr

import (
	"golang.org/x/crypto/sha3"
)

// networkTag is the Monero mainnet standard-address network byte.
// go-monero-rpc-client talks to whichever daemon/wallet the operator
// pointed it at; the profile (swapcfg.Mainnet/Testnet) is responsible for
// picking the matching tag when constructing addresses for stagenet.
const networkTag = 18

const moneroBase58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// partialBlockEncodedLen implements Monero's base58
// variant: data is encoded in 8-byte blocks that each become 11 base58
// characters, except a final shorter block whose encoded length is given
// by this table (indexed by the block's raw byte length).
var partialBlockEncodedLen = map[int]int{0: 0, 1: 2, 2: 3, 3: 5, 4: 6, 5: 7, 6: 9, 7: 10, 8: 11}

// encodeMoneroAddress builds the base58 standard-address string for a
// (spend, view) public key pair under the given network tag: tag byte,
// then the two 32-byte keys, then a 4-byte Keccak-256 checksum over that,
// all run through Monero's block-wise base58 encoding.
func encodeMoneroAddress(tag byte, spend, view [32]byte) string {
	payload := make([]byte, 0, 1+32+32+4)
	payload = append(payload, tag)
	payload = append(payload, spend[:]...)
	payload = append(payload, view[:]...)

	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	checksum := h.Sum(nil)[:4]
	payload = append(payload, checksum...)

	var out []byte
	for i := 0; i < len(payload); i += 8 {
		end := i + 8
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, encodeBase58Block(payload[i:end])...)
	}
	return string(out)
}

func encodeBase58Block(block []byte) []byte {
	encodedLen := partialBlockEncodedLen[len(block)]

	n := make([]byte, len(block))
	copy(n, block)

	digits := make([]byte, encodedLen)
	for i := range digits {
		digits[i] = moneroBase58Alphabet[0]
	}

	// Treat n as a big-endian unsigned integer and repeatedly divide by
	// 58, writing remainders from the least-significant encoded digit.
	idx := encodedLen - 1
	allZero := false
	for !allZero && idx >= 0 {
		var remainder int
		allZero = true
		for i := 0; i < len(n); i++ {
			cur := remainder*256 + int(n[i])
			n[i] = byte(cur / 58)
			if n[i] != 0 {
				allZero = false
			}
			remainder = cur % 58
		}
		digits[idx] = moneroBase58Alphabet[remainder]
		idx--
	}
	return digits
}
