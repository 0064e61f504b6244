package lsm

import "github.com/pkg/errors"

// Batch collects writes applied together by ApplyBatch, in insertion order.
// It holds references to the caller's slices until applied.
type Batch struct {
	entries []Entry
}

func NewBatch() *Batch {
	return &Batch{
		entries: make([]Entry, 0, 10), // Khởi tạo với capacity nhỏ
	}
}

func (b *Batch) Put(key, value []byte) {
	b.entries = append(b.entries, Entry{Key: key, Item: Item{Value: value}})
}

func (b *Batch) Delete(key []byte) {
	b.entries = append(b.entries, Entry{Key: key, Item: Item{Tombstone: true}})
}

// Size trả về số lượng thao tác trong batch
func (b *Batch) Size() int {
	return len(b.entries)
}

func (b *Batch) Reset() {
	b.entries = b.entries[:0]
}

// validate rejects the whole batch before anything is logged.
func (b *Batch) validate(txnID string) error {
	for _, e := range b.entries {
		if len(e.Key) == 0 {
			return ErrEmptyKey
		}
		if n := len(e.Key) + len(e.Item.Value) + len(txnID); n > MaxEntrySize {
			return errors.Wrapf(ErrTooLarge, "key %q: %d bytes", truncateKey(e.Key), n)
		}
	}
	return nil
}

func truncateKey(k []byte) []byte {
	if len(k) > 32 {
		return k[:32]
	}
	return k
}

// records turns the batch into WAL records numbered from firstSeq.
func (b *Batch) records(firstSeq uint64, txnID string) []Record {
	recs := make([]Record, len(b.entries))
	for i, e := range b.entries {
		recs[i] = Record{Seq: firstSeq + uint64(i), TxnID: txnID, Op: OpPut, Key: e.Key, Value: e.Item.Value}
		if e.Item.Tombstone {
			recs[i].Op, recs[i].Value = OpDelete, nil
		}
	}
	return recs
}
