package privval

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/AvishayYanay/concord-bft/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-based signer. Every signature is also recorded in a
// journal for the caller to persist. With a state file, sign state is
// additionally written to disk before the signature is returned; with an
// empty state file path the journal is the only durable copy.
type FilePV struct {
	mu sync.Mutex

	// Key file path
	keyFilePath string
	// State file path, empty for an in-memory signer
	stateFilePath string

	pubKey  ed25519.PublicKey
	privKey ed25519.PrivateKey

	lastSignState LastSignState
}

// FilePVKey represents the key file structure
type FilePVKey struct {
	PubKey  []byte `json:"pub_key"`
	PrivKey []byte `json:"priv_key"`
}

// FilePVState represents the state file structure
type FilePVState struct {
	ViewFloor types.View   `json:"view_floor"`
	Stable    types.SeqNum `json:"stable"`
	Records   []SignRecord `json:"records,omitempty"`
}

// NewFilePV loads a signer, generating a key if the key file does not exist
func NewFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		lastSignState: newLastSignState(),
	}

	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV generates a new key and an empty sign state
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		pubKey:        pubKey,
		privKey:       privKey,
		lastSignState: newLastSignState(),
	}

	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// NewMemPV creates a signer that keeps its sign state in memory only
func NewMemPV(privKey ed25519.PrivateKey) *FilePV {
	return &FilePV{
		pubKey:        privKey.Public().(ed25519.PublicKey),
		privKey:       privKey,
		lastSignState: newLastSignState(),
	}
}

func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if os.IsNotExist(err) {
		pubKey, privKey, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		pv.pubKey = pubKey
		pv.privKey = privKey
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}
	if len(key.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size")
	}
	if len(key.PrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size")
	}

	pv.pubKey = key.PubKey
	pv.privKey = key.PrivKey
	return nil
}

func (pv *FilePV) saveKey() error {
	key := FilePVKey{
		PubKey:  pv.pubKey,
		PrivKey: pv.privKey,
	}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	return writeFileAtomic(pv.keyFilePath, data, keyFilePerm)
}

func (pv *FilePV) loadState() error {
	if pv.stateFilePath == "" {
		return nil
	}
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state FilePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	pv.lastSignState = newLastSignState()
	pv.lastSignState.ViewFloor = state.ViewFloor
	pv.lastSignState.Stable = state.Stable
	for _, rec := range state.Records {
		pv.lastSignState.records[rec.SignKey] = rec
	}
	return nil
}

func (pv *FilePV) saveState() error {
	if pv.stateFilePath == "" {
		return nil
	}
	state := FilePVState{
		ViewFloor: pv.lastSignState.ViewFloor,
		Stable:    pv.lastSignState.Stable,
		Records:   pv.lastSignState.Records(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return writeFileAtomic(pv.stateFilePath, data, stateFilePerm)
}

// writeFileAtomic writes to a temporary file, syncs it and renames it over
// the target
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}

// PubKey implements Signer
func (pv *FilePV) PubKey() ed25519.PublicKey {
	return pv.pubKey
}

// PrivKey returns the private key, for tests and key export
func (pv *FilePV) PrivKey() ed25519.PrivateKey {
	return pv.privKey
}

// sign checks the sign state, signs, and persists before returning
func (pv *FilePV) sign(key SignKey, digest types.Digest, signBytes []byte) ([]byte, error) {
	cached, err := pv.lastSignState.Check(key, digest)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return append([]byte(nil), cached...), nil
	}

	sig := ed25519.Sign(pv.privKey, signBytes)
	pv.lastSignState.record(key, digest, sig)
	if err := pv.saveState(); err != nil {
		pv.lastSignState.unrecord(key)
		return nil, err
	}
	return append([]byte(nil), sig...), nil
}

// SignVote implements Signer
func (pv *FilePV) SignVote(clusterID string, vote *types.Vote) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	step, err := VoteStep(vote.Kind)
	if err != nil {
		return err
	}
	sig, err := pv.sign(SignKey{Step: step, View: vote.View, Seq: vote.Seq}, vote.Digest, types.VoteSignBytes(clusterID, vote))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

// SignPrePrepare implements Signer
func (pv *FilePV) SignPrePrepare(clusterID string, pp *types.PrePrepare) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	sig, err := pv.sign(SignKey{Step: StepPrePrepare, View: pp.View, Seq: pp.Seq}, pp.Digest, types.PrePrepareSignBytes(clusterID, pp))
	if err != nil {
		return err
	}
	pp.Signature = sig
	return nil
}

// SignViewChange implements Signer
func (pv *FilePV) SignViewChange(clusterID string, vc *types.ViewChange) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	sb, err := types.ViewChangeSignBytes(clusterID, vc)
	if err != nil {
		return err
	}
	sig, err := pv.sign(SignKey{Step: StepViewChange, View: vc.NewView}, types.HashBytes(sb), sb)
	if err != nil {
		return err
	}
	vc.Signature = sig
	return nil
}

// SignNewView implements Signer
func (pv *FilePV) SignNewView(clusterID string, nv *types.NewView) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	sb, err := types.NewViewSignBytes(clusterID, nv)
	if err != nil {
		return err
	}
	sig, err := pv.sign(SignKey{Step: StepNewView, View: nv.View}, types.HashBytes(sb), sb)
	if err != nil {
		return err
	}
	nv.Signature = sig
	return nil
}

// Prune implements Signer
func (pv *FilePV) Prune(stable types.SeqNum) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	if stable <= pv.lastSignState.Stable {
		return nil
	}
	pv.lastSignState.prune(stable)
	return pv.saveState()
}

// TakeJournal implements Signer
func (pv *FilePV) TakeJournal() []SignRecord {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.lastSignState.takeJournal()
}

// Restore implements Signer. Records at or below the stable checkpoint are
// ignored.
func (pv *FilePV) Restore(records []SignRecord) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	for _, rec := range records {
		if rec.Step != StepViewChange && rec.Step != StepNewView && rec.Seq <= pv.lastSignState.Stable {
			continue
		}
		pv.lastSignState.restore(rec)
	}
}

// ViewFloor returns the highest view this signer changed to
func (pv *FilePV) ViewFloor() types.View {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.lastSignState.ViewFloor
}

// Reset clears the sign state (use with caution!)
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = newLastSignState()
	return pv.saveState()
}

// Close releases the signer. Sign state is already durable.
func (pv *FilePV) Close() error {
	return nil
}

var _ Signer = (*FilePV)(nil)
