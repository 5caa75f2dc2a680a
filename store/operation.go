package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/blockberries/overlord/types"
)

const (
	codeCommit       byte = 1
	codeValidatorSet byte = 2
	codeLatestHeight byte = 10
)

func makeKey(code byte, h types.Height) []byte {
	key := make([]byte, 9)
	key[0] = code
	binary.BigEndian.PutUint64(key[1:], uint64(h))
	return key
}

// insert encodes entity with msgpack and stores it under key. It fails with
// ErrAlreadyExists if the key is taken.
func insert(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not check key: %w", err)
		}
		return upsert(key, entity)(tx)
	}
}

// upsert stores entity under key, replacing any previous value
func upsert(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		val, err := msgpack.Marshal(entity)
		if err != nil {
			return fmt.Errorf("could not encode entity: %w", err)
		}
		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not store data: %w", err)
		}
		return nil
	}
}

// retrieve decodes the value under key into entity
func retrieve(key []byte, entity interface{}) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not load data: %w", err)
		}
		err = item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, entity)
		})
		if err != nil {
			return fmt.Errorf("could not decode entity: %w", err)
		}
		return nil
	}
}

// commitRecord is the stored form of a committed value. The certificate is
// kept in its canonical wire encoding.
type commitRecord struct {
	Height  uint64 `msgpack:"h"`
	Content []byte `msgpack:"c"`
	QC      []byte `msgpack:"qc"`
}

func toRecord(cv *types.CommittedValue) (*commitRecord, error) {
	qc, err := types.Marshal(cv.QC)
	if err != nil {
		return nil, err
	}
	return &commitRecord{Height: uint64(cv.Height), Content: cv.Content, QC: qc}, nil
}

func fromRecord(rec *commitRecord) (*types.CommittedValue, error) {
	qc := &types.QuorumCertificate{}
	if err := types.Unmarshal(rec.QC, qc); err != nil {
		return nil, fmt.Errorf("could not decode qc: %w", err)
	}
	return &types.CommittedValue{Height: types.Height(rec.Height), Content: rec.Content, QC: qc}, nil
}

func insertCommit(rec *commitRecord) func(*badger.Txn) error {
	return insert(makeKey(codeCommit, types.Height(rec.Height)), rec)
}

func retrieveCommit(h types.Height, rec *commitRecord) func(*badger.Txn) error {
	return retrieve(makeKey(codeCommit, h), rec)
}

func updateLatestHeight(h types.Height) func(*badger.Txn) error {
	return upsert([]byte{codeLatestHeight}, uint64(h))
}

func retrieveLatestHeight(h *uint64) func(*badger.Txn) error {
	return retrieve([]byte{codeLatestHeight}, h)
}

func insertValidatorSet(h types.Height, data *types.ValidatorSetData) func(*badger.Txn) error {
	return upsert(makeKey(codeValidatorSet, h), validatorSetRecord(data))
}

func retrieveValidatorSet(h types.Height, rec *[]validatorRecord) func(*badger.Txn) error {
	return retrieve(makeKey(codeValidatorSet, h), rec)
}

type validatorRecord struct {
	Address       []byte `msgpack:"a"`
	PubKey        []byte `msgpack:"pk"`
	ProposeWeight uint64 `msgpack:"pw"`
	VoteWeight    uint64 `msgpack:"vw"`
}

func validatorSetRecord(data *types.ValidatorSetData) []validatorRecord {
	out := make([]validatorRecord, len(data.Validators))
	for i, v := range data.Validators {
		out[i] = validatorRecord{
			Address:       v.Address[:],
			PubKey:        v.PubKey,
			ProposeWeight: v.ProposeWeight,
			VoteWeight:    v.VoteWeight,
		}
	}
	return out
}
