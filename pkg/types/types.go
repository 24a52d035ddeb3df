package types

import (
	"encoding/hex"

	sha256 "github.com/minio/sha256-simd"
)

// BlockHeaderSize is the length of a serialized block header. Block hashes
// cover only the header.
const BlockHeaderSize = 80

// Kind identifies the payload carried by a relay message.
type Kind string

const (
	KindBlock       Kind = "block"
	KindTransaction Kind = "transaction"
)

// Hash is a double SHA-256 digest.
type Hash [32]byte

// String renders the hash byte-reversed, the way block explorers show it.
func (h Hash) String() string {
	var rev [32]byte
	for i := range h {
		rev[i] = h[len(h)-1-i]
	}
	return hex.EncodeToString(rev[:])
}

func doubleSHA256(data []byte) Hash {
	first := sha256.Sum256(data)
	return Hash(sha256.Sum256(first[:]))
}

// Payload is a decoded block or transaction handed between the transport,
// the relay core and the message sink.
type Payload interface {
	Kind() Kind
	Hash() Hash
	Bytes() []byte
}

// Block is a serialized block as received from or sent to a relay peer.
type Block struct {
	Raw []byte
}

func (b *Block) Kind() Kind    { return KindBlock }
func (b *Block) Bytes() []byte { return b.Raw }

// Hash returns the block hash (double SHA-256 of the header). Payloads
// shorter than a header are hashed whole.
func (b *Block) Hash() Hash {
	if len(b.Raw) >= BlockHeaderSize {
		return doubleSHA256(b.Raw[:BlockHeaderSize])
	}
	return doubleSHA256(b.Raw)
}

// Transaction is a serialized loose transaction.
type Transaction struct {
	Raw []byte
}

func (t *Transaction) Kind() Kind    { return KindTransaction }
func (t *Transaction) Bytes() []byte { return t.Raw }
func (t *Transaction) Hash() Hash    { return doubleSHA256(t.Raw) }
