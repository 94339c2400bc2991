package core

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func sampleTx(note string) Tx {
	tx := Tx{
		Version:   1,
		Timestamp: 1700000000,
		Sender:    uuid.New(),
		Data:      TxData{T: "temperature", D: json.RawMessage(`21.5`)},
	}
	if note != "" {
		tx.Data.N = &note
	}
	tx.Data.Raw, _ = json.Marshal(tx.Data)
	for i := range tx.Signature {
		tx.Signature[i] = byte(i)
	}
	return tx
}

func TestTxCodecRoundTrip(t *testing.T) {
	for _, note := range []string{"", "sensor reading"} {
		tx := sampleTx(note)
		decoded, err := DecodeTx(EncodeTx(tx))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Version != tx.Version || decoded.Timestamp != tx.Timestamp || decoded.Sender != tx.Sender {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, tx)
		}
		if decoded.Signature != tx.Signature {
			t.Fatalf("signature mismatch after round trip")
		}
		if decoded.Data.T != tx.Data.T {
			t.Fatalf("data.t mismatch: got %q want %q", decoded.Data.T, tx.Data.T)
		}
	}
}

func TestBlockCodecRoundTrip(t *testing.T) {
	blk := Block{
		Version:      1,
		Timestamp:    1700000100,
		PrevHash:     GenesisPrevHash(),
		Validator:    uuid.New(),
		Transactions: []Tx{sampleTx(""), sampleTx("x")},
	}
	for i := range blk.Signature {
		blk.Signature[i] = byte(255 - i)
	}
	decoded, err := DecodeBlock(bytes.NewReader(EncodeBlock(blk)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != blk.Version || decoded.Validator != blk.Validator || decoded.Signature != blk.Signature {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
	if len(decoded.Transactions) != len(blk.Transactions) {
		t.Fatalf("tx count mismatch: got %d want %d", len(decoded.Transactions), len(blk.Transactions))
	}
}

func TestChainCodecRoundTrip(t *testing.T) {
	b1 := Block{Version: 1, Timestamp: 1, PrevHash: GenesisPrevHash(), Validator: uuid.New()}
	b2 := Block{Version: 1, Timestamp: 2, PrevHash: HashBlock(b1), Validator: uuid.New(), Transactions: []Tx{sampleTx("")}}
	chain := Chain{&b1, &b2}

	decoded, err := DecodeChain(bytes.NewReader(EncodeChain(chain)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(decoded))
	}
	if decoded[1].PrevHash != HashBlock(b1) {
		t.Fatalf("chain linkage broken on decode")
	}
}

// TestSignaturePreimageOffsets locks the signature-elision byte ranges:
// mutating only the signature bytes of an encoding must never change its
// preimage, and mutating any non-signature byte must always change it.
func TestSignaturePreimageOffsets(t *testing.T) {
	tx := sampleTx("note")
	enc := EncodeTx(tx)
	if len(enc) < txSigEnd {
		t.Fatalf("encoding too short for signature range: %d", len(enc))
	}
	before := TxSignaturePreimage(tx)

	mutated := tx
	for i := range mutated.Signature {
		mutated.Signature[i] ^= 0xFF
	}
	after := TxSignaturePreimage(mutated)
	if !bytes.Equal(before, after) {
		t.Fatalf("preimage changed when only the signature field was mutated")
	}

	mutated2 := tx
	mutated2.Timestamp++
	if bytes.Equal(before, TxSignaturePreimage(mutated2)) {
		t.Fatalf("preimage unchanged when a non-signature field was mutated")
	}
}

func TestBlockSignaturePreimageOffsets(t *testing.T) {
	blk := Block{Version: 1, Timestamp: 10, PrevHash: GenesisPrevHash(), Validator: uuid.New()}
	before := BlockSignaturePreimage(blk)

	mutated := blk
	for i := range mutated.Signature {
		mutated.Signature[i] = 0xAA
	}
	if !bytes.Equal(before, BlockSignaturePreimage(mutated)) {
		t.Fatalf("block preimage changed when only the signature field was mutated")
	}

	mutated2 := blk
	mutated2.Version++
	if bytes.Equal(before, BlockSignaturePreimage(mutated2)) {
		t.Fatalf("block preimage unchanged when a non-signature field was mutated")
	}
}

func TestUUIDWirePermutationRoundTrip(t *testing.T) {
	id := uuid.New()
	if got := wireToUUID(uuidToWire(id)); got != id {
		t.Fatalf("uuid wire round trip: got %s want %s", got, id)
	}
}

func TestHexUUIDListRoundTrip(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	hexes := HexUUIDList(ids)
	back, err := ParseHexUUIDList(hexes)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := range ids {
		if back[i] != ids[i] {
			t.Fatalf("mismatch at %d: got %s want %s", i, back[i], ids[i])
		}
	}
}
