// Package store persists committed values and validator sets in badger.
//
// It backs the reference application: LatestHeight and GetCommitted serve
// restarts and the catch-up protocol of lagging peers.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/blockberries/overlord/types"
)

// Errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrHeightGap     = errors.New("commit does not extend the stored chain")
)

// BadgerStore stores one committed value per height.
type BadgerStore struct {
	db  *badger.DB
	log zerolog.Logger
}

// Open opens (or creates) a badger database in dir. An empty dir opens an
// in-memory database.
func Open(dir string, log zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open badger db: %w", err)
	}
	return NewBadgerStore(db, log), nil
}

// NewBadgerStore wraps an open database
func NewBadgerStore(db *badger.DB, log zerolog.Logger) *BadgerStore {
	return &BadgerStore{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// update runs op in a read-write transaction, retrying on conflicts
func (s *BadgerStore) update(op func(*badger.Txn) error) error {
	b := retry.WithMaxRetries(10, retry.NewConstant(time.Millisecond))
	return retry.Do(context.Background(), b, func(context.Context) error {
		err := s.db.Update(op)
		if errors.Is(err, badger.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// SaveCommit stores cv and advances the latest height. Heights must be saved
// in order starting at 1. Saving an identical commit again is a no-op.
func (s *BadgerStore) SaveCommit(cv *types.CommittedValue) error {
	if err := cv.ValidateBasic(); err != nil {
		return err
	}
	rec, err := toRecord(cv)
	if err != nil {
		return err
	}

	err = s.update(func(tx *badger.Txn) error {
		var latest uint64
		if err := retrieveLatestHeight(&latest)(tx); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if rec.Height <= latest {
			var existing commitRecord
			if err := retrieveCommit(cv.Height, &existing)(tx); err != nil {
				return err
			}
			if !bytes.Equal(existing.QC, rec.QC) || !bytes.Equal(existing.Content, rec.Content) {
				return fmt.Errorf("%w: height %d", ErrAlreadyExists, rec.Height)
			}
			return nil
		}
		if rec.Height != latest+1 {
			return fmt.Errorf("%w: latest %d, got %d", ErrHeightGap, latest, rec.Height)
		}
		if err := insertCommit(rec)(tx); err != nil {
			return err
		}
		return updateLatestHeight(cv.Height)(tx)
	})
	if err != nil {
		return err
	}

	s.log.Debug().Uint64("height", uint64(cv.Height)).Int("content_bytes", len(cv.Content)).Msg("stored commit")
	return nil
}

// LoadCommit returns the committed value at h
func (s *BadgerStore) LoadCommit(h types.Height) (*types.CommittedValue, error) {
	var rec commitRecord
	if err := s.db.View(retrieveCommit(h, &rec)); err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

// LatestHeight returns the highest stored height, 0 when empty
func (s *BadgerStore) LatestHeight() (types.Height, error) {
	var latest uint64
	err := s.db.View(retrieveLatestHeight(&latest))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return types.Height(latest), err
}

// GetCommitted returns the stored values for heights in [from, to], stopping
// at the first missing height.
func (s *BadgerStore) GetCommitted(from, to types.Height) ([]*types.CommittedValue, error) {
	if from == 0 {
		from = 1
	}
	var out []*types.CommittedValue
	err := s.db.View(func(tx *badger.Txn) error {
		for h := from; h <= to; h++ {
			var rec commitRecord
			err := retrieveCommit(h, &rec)(tx)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			cv, err := fromRecord(&rec)
			if err != nil {
				return err
			}
			out = append(out, cv)
		}
		return nil
	})
	return out, err
}

// SaveValidatorSet stores the validator set that decides height h
func (s *BadgerStore) SaveValidatorSet(h types.Height, vs *types.ValidatorSet) error {
	return s.update(insertValidatorSet(h, vs.ToData()))
}

// LoadValidatorSet returns the validator set stored for height h
func (s *BadgerStore) LoadValidatorSet(h types.Height) (*types.ValidatorSet, error) {
	var recs []validatorRecord
	if err := s.db.View(retrieveValidatorSet(h, &recs)); err != nil {
		return nil, err
	}
	vals := make([]*types.Validator, len(recs))
	for i, r := range recs {
		addr, err := types.NewAddress(r.Address)
		if err != nil {
			return nil, err
		}
		vals[i] = &types.Validator{
			Address:       addr,
			PubKey:        types.PublicKey(r.PubKey),
			ProposeWeight: r.ProposeWeight,
			VoteWeight:    r.VoteWeight,
		}
	}
	return types.NewValidatorSet(vals)
}
