package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blockberries/overlord/types"
)

// ErrOutOfOrder is returned by App.Commit for a height that is not the next one
var ErrOutOfOrder = errors.New("commit out of order")

// App is an in-memory application with a fixed validator set
type App struct {
	mu      sync.Mutex
	name    string
	vs      *types.ValidatorSet
	commits []*types.CommittedValue

	// Check, if set, validates proposed content
	Check func(content []byte) error

	committed chan *types.CommittedValue
}

// NewApp creates an application that proposes content tagged with name
func NewApp(name string, vs *types.ValidatorSet) *App {
	return &App{
		name:      name,
		vs:        vs,
		committed: make(chan *types.CommittedValue, 1024),
	}
}

func (a *App) LatestHeight(ctx context.Context) (types.Height, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.Height(len(a.commits)), nil
}

func (a *App) GetValidatorSet(ctx context.Context, height types.Height) (*types.ValidatorSet, error) {
	return a.vs, nil
}

func (a *App) GetContentToPropose(ctx context.Context, height types.Height) ([]byte, error) {
	return []byte(fmt.Sprintf("%s/%d", a.name, height)), nil
}

func (a *App) CheckContent(ctx context.Context, height types.Height, content []byte) error {
	if a.Check != nil {
		return a.Check(content)
	}
	return nil
}

func (a *App) Commit(ctx context.Context, height types.Height, content []byte, qc *types.QuorumCertificate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if next := types.Height(len(a.commits)) + 1; height != next {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, height, next)
	}
	cv := &types.CommittedValue{
		Height:  height,
		Content: append([]byte(nil), content...),
		QC:      qc.Copy(),
	}
	a.commits = append(a.commits, cv)

	select {
	case a.committed <- cv:
	default:
	}
	return nil
}

func (a *App) GetCommitted(ctx context.Context, from, to types.Height) ([]*types.CommittedValue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*types.CommittedValue
	for h := from; h <= to && h >= 1 && int(h) <= len(a.commits); h++ {
		out = append(out, a.commits[h-1])
	}
	return out, nil
}

// Height returns the last committed height
func (a *App) Height() types.Height {
	h, _ := a.LatestHeight(context.Background())
	return h
}

// Committed returns the decided values in height order
func (a *App) Committed() []*types.CommittedValue {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*types.CommittedValue(nil), a.commits...)
}

// Commits delivers every committed value as it is decided
func (a *App) Commits() <-chan *types.CommittedValue {
	return a.committed
}
