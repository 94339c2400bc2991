package core

// codec.go implements the bit-exact wire encoding for Tx, Block and Chain
// values. All integers are little-endian, fixed width. decode(encode(x))
// must equal x for every value — see core/codec_test.go.

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Signature elision offsets — the bytes a Tx/Block signature is computed
// over are the encoding with these byte ranges removed.
const (
	txSigStart    = 24
	txSigEnd      = 88
	blockSigStart = 56
	blockSigEnd   = 120
)

// uuidToWire converts a standard RFC 4122 UUID into the mixed-endian wire
// form used both for storage and as part of the Tx/Block signature
// pre-image: time_low (bytes 0:4) and time_mid (bytes 4:6) and
// time_hi_and_version (bytes 6:8) are byte-reversed from RFC 4122 network
// order; clock_seq_hi_and_reserved, clock_seq_low and the 6-byte node id
// (bytes 8:16) are left as-is since they are byte arrays, not multi-byte
// integers, and have no endianness to flip. This permutation must be
// applied identically by every implementation for signatures to verify
// across nodes (spec.md §4.1, resolved in SPEC_FULL.md §3).
func uuidToWire(id uuid.UUID) [16]byte {
	var w [16]byte
	w[0], w[1], w[2], w[3] = id[3], id[2], id[1], id[0]
	w[4], w[5] = id[5], id[4]
	w[6], w[7] = id[7], id[6]
	copy(w[8:16], id[8:16])
	return w
}

func wireToUUID(w [16]byte) uuid.UUID {
	var id uuid.UUID
	id[0], id[1], id[2], id[3] = w[3], w[2], w[1], w[0]
	id[4], id[5] = w[5], w[4]
	id[6], id[7] = w[7], w[6]
	copy(id[8:16], w[8:16])
	return id
}

// EncodeTx serializes tx into its canonical wire form.
func EncodeTx(tx Tx) []byte {
	buf := &bytes.Buffer{}
	writeU32(buf, tx.Version)
	writeU32(buf, tx.Timestamp)
	w := uuidToWire(tx.Sender)
	buf.Write(w[:])
	buf.Write(tx.Signature[:])
	data := tx.Data.Raw
	if data == nil {
		data, _ = json.Marshal(tx.Data)
	}
	writeU32(buf, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

// DecodeTx parses the canonical wire form. The original data bytes are
// preserved in Data.Raw exactly as read so a caller can verify the
// signature against what was actually submitted without re-serializing.
func DecodeTx(b []byte) (Tx, error) {
	r := bytes.NewReader(b)
	var tx Tx
	var err error
	if tx.Version, err = readU32(r); err != nil {
		return Tx{}, fmt.Errorf("decode tx version: %w", err)
	}
	if tx.Timestamp, err = readU32(r); err != nil {
		return Tx{}, fmt.Errorf("decode tx timestamp: %w", err)
	}
	var sw [16]byte
	if _, err = io.ReadFull(r, sw[:]); err != nil {
		return Tx{}, fmt.Errorf("decode tx sender: %w", err)
	}
	tx.Sender = wireToUUID(sw)
	if _, err = io.ReadFull(r, tx.Signature[:]); err != nil {
		return Tx{}, fmt.Errorf("decode tx signature: %w", err)
	}
	dataLen, err := readU32(r)
	if err != nil {
		return Tx{}, fmt.Errorf("decode tx data_len: %w", err)
	}
	data := make([]byte, dataLen)
	if _, err = io.ReadFull(r, data); err != nil {
		return Tx{}, fmt.Errorf("decode tx data: %w", err)
	}
	if err := json.Unmarshal(data, &tx.Data); err != nil {
		return Tx{}, fmt.Errorf("decode tx data json: %w", err)
	}
	tx.Data.Raw = data
	return tx, nil
}

// TxSignaturePreimage returns the bytes a Tx signature is computed over:
// the canonical encoding with the signature field elided.
func TxSignaturePreimage(tx Tx) []byte {
	enc := EncodeTx(tx)
	return elide(enc, txSigStart, txSigEnd)
}

// EncodeBlock serializes blk into its canonical wire form.
func EncodeBlock(blk Block) []byte {
	buf := &bytes.Buffer{}
	writeU32(buf, blk.Version)
	writeU32(buf, blk.Timestamp)
	buf.Write(blk.PrevHash[:])
	w := uuidToWire(blk.Validator)
	buf.Write(w[:])
	buf.Write(blk.Signature[:])
	writeU32(buf, uint32(len(blk.Transactions)))
	for _, tx := range blk.Transactions {
		buf.Write(EncodeTx(tx))
	}
	return buf.Bytes()
}

// DecodeBlock parses a single block from the front of r and returns it.
func DecodeBlock(r io.Reader) (Block, error) {
	var blk Block
	var err error
	if blk.Version, err = readU32(r); err != nil {
		return Block{}, fmt.Errorf("decode block version: %w", err)
	}
	if blk.Timestamp, err = readU32(r); err != nil {
		return Block{}, fmt.Errorf("decode block timestamp: %w", err)
	}
	if _, err = io.ReadFull(r, blk.PrevHash[:]); err != nil {
		return Block{}, fmt.Errorf("decode block prev_hash: %w", err)
	}
	var vw [16]byte
	if _, err = io.ReadFull(r, vw[:]); err != nil {
		return Block{}, fmt.Errorf("decode block validator: %w", err)
	}
	blk.Validator = wireToUUID(vw)
	if _, err = io.ReadFull(r, blk.Signature[:]); err != nil {
		return Block{}, fmt.Errorf("decode block signature: %w", err)
	}
	nTx, err := readU32(r)
	if err != nil {
		return Block{}, fmt.Errorf("decode block n_tx: %w", err)
	}
	blk.Transactions = make([]Tx, 0, nTx)
	for i := uint32(0); i < nTx; i++ {
		tx, err := decodeTxFromReader(r)
		if err != nil {
			return Block{}, fmt.Errorf("decode block tx %d: %w", i, err)
		}
		blk.Transactions = append(blk.Transactions, tx)
	}
	return blk, nil
}

// decodeTxFromReader reads exactly one Tx encoding from r without knowing
// its length up front (data_len is read from the stream itself).
func decodeTxFromReader(r io.Reader) (Tx, error) {
	var tx Tx
	var err error
	if tx.Version, err = readU32(r); err != nil {
		return Tx{}, err
	}
	if tx.Timestamp, err = readU32(r); err != nil {
		return Tx{}, err
	}
	var sw [16]byte
	if _, err = io.ReadFull(r, sw[:]); err != nil {
		return Tx{}, err
	}
	tx.Sender = wireToUUID(sw)
	if _, err = io.ReadFull(r, tx.Signature[:]); err != nil {
		return Tx{}, err
	}
	dataLen, err := readU32(r)
	if err != nil {
		return Tx{}, err
	}
	data := make([]byte, dataLen)
	if _, err = io.ReadFull(r, data); err != nil {
		return Tx{}, err
	}
	if err := json.Unmarshal(data, &tx.Data); err != nil {
		return Tx{}, err
	}
	tx.Data.Raw = data
	return tx, nil
}

// BlockSignaturePreimage returns the bytes a Block signature is computed
// over: the canonical encoding with the signature field elided.
func BlockSignaturePreimage(blk Block) []byte {
	enc := EncodeBlock(blk)
	return elide(enc, blockSigStart, blockSigEnd)
}

// HashBlock returns SHA-256 of the block's full canonical encoding — used
// as the PrevHash of its successor.
func HashBlock(blk Block) [32]byte {
	return sha256.Sum256(EncodeBlock(blk))
}

// GenesisPrevHash is SHA-256("0000000000"), the PrevHash of the first
// block in any chain.
func GenesisPrevHash() [32]byte {
	return sha256.Sum256([]byte("0000000000"))
}

// EncodeChain concatenates block encodings with no outer framing.
func EncodeChain(c Chain) []byte {
	buf := &bytes.Buffer{}
	for _, blk := range c {
		buf.Write(EncodeBlock(*blk))
	}
	return buf.Bytes()
}

// DecodeChain reads blocks from r until EOF, each consuming exactly its
// declared length.
func DecodeChain(r io.Reader) (Chain, error) {
	var c Chain
	for {
		blk, err := DecodeBlock(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, err
		}
		b := blk
		c = append(c, &b)
	}
	return c, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// HexUUIDList renders ids in their wire permutation, hex-encoded — the
// form used by the agreement and validator-list JSON payloads
// ({list:[hex]}, {validators:[hex]}).
func HexUUIDList(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		w := uuidToWire(id)
		out[i] = hex.EncodeToString(w[:])
	}
	return out
}

// ParseHexUUIDList is the inverse of HexUUIDList.
func ParseHexUUIDList(hexes []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(hexes))
	for i, h := range hexes {
		b, err := hex.DecodeString(h)
		if err != nil || len(b) != 16 {
			return nil, fmt.Errorf("decode hex uuid %q", h)
		}
		var w [16]byte
		copy(w[:], b)
		out[i] = wireToUUID(w)
	}
	return out, nil
}

// elide returns b with the byte range [start:end) removed.
func elide(b []byte, start, end int) []byte {
	out := make([]byte, 0, len(b)-(end-start))
	out = append(out, b[:start]...)
	out = append(out, b[end:]...)
	return out
}
