package privval

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/overlord/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-based private validator. The key lives in one JSON file,
// the last sign state in another which is rewritten atomically before every
// signature is released.
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	g guard
}

// FilePVKey represents the key file structure
type FilePVKey struct {
	Address string `json:"address"`
	PubKey  []byte `json:"pub_key"`
	PrivKey []byte `json:"priv_key"`
}

// FilePVState represents the state file structure
type FilePVState struct {
	Height        types.Height `json:"height"`
	Round         types.Round  `json:"round"`
	Step          int8         `json:"step"`
	Signed        bool         `json:"signed"`
	Signature     []byte       `json:"signature,omitempty"`
	SignBytesHash []byte       `json:"sign_bytes_hash,omitempty"`
}

// LoadOrGenFilePV loads the validator from keyFilePath and stateFilePath,
// generating a fresh key and empty state for files that do not exist.
func LoadOrGenFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	priv, err := loadKey(keyFilePath)
	if os.IsNotExist(err) {
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		if err := saveKey(keyFilePath, priv); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return newFilePV(priv, keyFilePath, stateFilePath)
}

// NewFilePV creates a file-backed validator for an existing key. The key file
// is written if missing.
func NewFilePV(priv ed25519.PrivateKey, keyFilePath, stateFilePath string) (*FilePV, error) {
	if _, err := os.Stat(keyFilePath); os.IsNotExist(err) {
		if err := saveKey(keyFilePath, priv); err != nil {
			return nil, err
		}
	}
	return newFilePV(priv, keyFilePath, stateFilePath)
}

func newFilePV(priv ed25519.PrivateKey, keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}
	pv.g = newGuard(priv, pv.saveState)

	last, err := loadState(stateFilePath)
	if os.IsNotExist(err) {
		if err := pv.saveState(LastSignState{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		pv.g.last = last
	}
	return pv, nil
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key.PrivKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key size %d", ErrInvalidKey, len(key.PrivKey))
	}
	priv := ed25519.PrivateKey(key.PrivKey)
	if !types.PublicKey(key.PubKey).Equal(types.PublicKey(priv.Public().(ed25519.PublicKey))) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}
	return priv, nil
}

func saveKey(path string, priv ed25519.PrivateKey) error {
	pub := priv.Public().(ed25519.PublicKey)
	key := FilePVKey{
		Address: types.AddressFromPubKey(types.PublicKey(pub)).String(),
		PubKey:  pub,
		PrivKey: priv,
	}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	return writeFileAtomic(path, data, keyFilePerm)
}

func loadState(path string) (LastSignState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LastSignState{}, err
	}

	var state FilePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return LastSignState{}, fmt.Errorf("failed to parse state file: %w", err)
	}

	lss := LastSignState{
		Height:    state.Height,
		Round:     state.Round,
		Step:      state.Step,
		Signed:    state.Signed,
		Signature: types.Signature(state.Signature),
	}
	if len(state.SignBytesHash) > 0 {
		h, err := types.NewHash(state.SignBytesHash)
		if err != nil {
			return LastSignState{}, fmt.Errorf("failed to parse state file: %w", err)
		}
		lss.SignBytesHash = h
	}
	return lss, nil
}

func (pv *FilePV) saveState(lss LastSignState) error {
	state := FilePVState{
		Height:    lss.Height,
		Round:     lss.Round,
		Step:      lss.Step,
		Signed:    lss.Signed,
		Signature: lss.Signature,
	}
	if lss.Signed {
		state.SignBytesHash = lss.SignBytesHash.Bytes()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return writeFileAtomic(pv.stateFilePath, data, stateFilePerm)
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// PubKey returns the public key
func (pv *FilePV) PubKey() types.PublicKey {
	return pv.g.pubKey.Copy()
}

// Address returns the validator address
func (pv *FilePV) Address() types.Address {
	return pv.g.address
}

// LastSignState returns a copy of the last sign state
func (pv *FilePV) LastSignState() LastSignState {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	lss := pv.g.last
	lss.Signature = lss.Signature.Copy()
	return lss
}

// SignVote signs a vote, checking for double-sign
func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	sig, err := pv.g.sign(vote.Height, vote.Round, VoteStep(vote.Step), vote.SignBytes(chainID))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

// SignProposal signs a proposal, checking for double-sign
func (pv *FilePV) SignProposal(chainID string, proposal *types.Proposal) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	sig, err := pv.g.sign(proposal.Height, proposal.Round, StepProposal, proposal.SignBytes(chainID))
	if err != nil {
		return err
	}
	proposal.Signature = sig
	return nil
}

// Reset clears the last sign state (use with caution!)
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	if err := pv.saveState(LastSignState{}); err != nil {
		return err
	}
	pv.g.last = LastSignState{}
	return nil
}

// Ensure FilePV implements PrivValidator
var _ PrivValidator = (*FilePV)(nil)

// MemoryPV keeps the last sign state in memory only. It is meant for tests
// and in-process demo networks.
type MemoryPV struct {
	mu sync.Mutex
	g  guard
}

// NewMemoryPV creates an in-memory validator for priv
func NewMemoryPV(priv ed25519.PrivateKey) *MemoryPV {
	return &MemoryPV{g: newGuard(priv, nil)}
}

func (pv *MemoryPV) PubKey() types.PublicKey { return pv.g.pubKey.Copy() }
func (pv *MemoryPV) Address() types.Address  { return pv.g.address }

// SignVote signs a vote, checking for double-sign
func (pv *MemoryPV) SignVote(chainID string, vote *types.Vote) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	sig, err := pv.g.sign(vote.Height, vote.Round, VoteStep(vote.Step), vote.SignBytes(chainID))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

// SignProposal signs a proposal, checking for double-sign
func (pv *MemoryPV) SignProposal(chainID string, proposal *types.Proposal) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	sig, err := pv.g.sign(proposal.Height, proposal.Round, StepProposal, proposal.SignBytes(chainID))
	if err != nil {
		return err
	}
	proposal.Signature = sig
	return nil
}

var _ PrivValidator = (*MemoryPV)(nil)
