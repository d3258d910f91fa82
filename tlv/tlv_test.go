package tlv

import (
	"bytes"
	"testing"
)

func TestRoundTripSingleByteTag(t *testing.T) {
	records := []Record{
		{Tag: 0x01, Value: []byte{0xAA, 0xBB}},
		{Tag: 0x02, Value: []byte{}},
		{Tag: 0x13, Value: []byte("part-number")},
	}
	encoded := Encode(records)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(decoded) != len(records) {
		t.Fatalf("decoded %d records, want %d", len(decoded), len(records))
	}
	for i := range records {
		if decoded[i].Tag != records[i].Tag {
			t.Errorf("record %d tag = %X, want %X", i, decoded[i].Tag, records[i].Tag)
		}
		if !bytes.Equal(decoded[i].Value, records[i].Value) {
			t.Errorf("record %d value = % X, want % X", i, decoded[i].Value, records[i].Value)
		}
	}
}

func TestLongFormLength(t *testing.T) {
	value := bytes.Repeat([]byte{0x42}, 200)
	raw := append([]byte{0x5F, 0x01, 0x81, 0xC8}, value...) // two-byte tag 0x5F01, length 200 in long form
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(decoded) != 1 || len(decoded[0].Value) != 200 {
		t.Fatalf("unexpected decode result: %+v", decoded)
	}
}

func TestDecodeTruncatedLength(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x05, 0xAA}); err == nil {
		t.Fatal("expected error for truncated value")
	}
}

func TestDecodeDictionaryLastWins(t *testing.T) {
	raw := Encode([]Record{
		{Tag: 0x05, Value: []byte{1, 0, 0}},
		{Tag: 0x05, Value: []byte{1, 2, 3}},
	})
	dict, err := DecodeDictionary(raw)
	if err != nil {
		t.Fatalf("DecodeDictionary() error = %v", err)
	}
	v, ok := dict.Get(0x05)
	if !ok {
		t.Fatal("expected tag 0x05 present")
	}
	if !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Errorf("value = % X, want last-written value", v)
	}
}

func TestEncodeSortedOrdersByTag(t *testing.T) {
	raw := EncodeSorted([]Record{
		{Tag: 0x08, Value: []byte{0x01}},
		{Tag: 0x01, Value: []byte{0x02}},
		{Tag: 0x06, Value: []byte{0x00, 0x1E}},
	})
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	wantOrder := []uint32{0x01, 0x06, 0x08}
	for i, tag := range wantOrder {
		if decoded[i].Tag != tag {
			t.Errorf("position %d tag = %X, want %X", i, decoded[i].Tag, tag)
		}
	}
}
