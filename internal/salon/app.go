// Package salon is the reference application of the demo network: every
// height decides one chat line, persisted in a badger store.
package salon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/blockberries/overlord/store"
	"github.com/blockberries/overlord/types"
)

var ErrBadLine = errors.New("malformed salon line")

var phrases = []string{
	"what a lovely evening",
	"has anyone read the latest pamphlet",
	"more tea, anyone",
	"the orchestra is late again",
	"I must say the candles are splendid",
	"shall we dance",
}

// Line is the content decided at one height
type Line struct {
	Height types.Height `msgpack:"height"`
	Author string       `msgpack:"author"`
	Text   string       `msgpack:"text"`
}

// App implements the engine's Application on a committed store
type App struct {
	name  string
	store *store.BadgerStore
	log   zerolog.Logger

	committed chan Line
}

// NewApp opens the application of one node. The genesis validator set is
// stored on first use and governs every height.
func NewApp(name string, st *store.BadgerStore, genesis *types.ValidatorSet, log zerolog.Logger) (*App, error) {
	if _, err := st.LoadValidatorSet(1); errors.Is(err, store.ErrNotFound) {
		if err := st.SaveValidatorSet(1, genesis); err != nil {
			return nil, fmt.Errorf("save genesis validators: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return &App{
		name:      name,
		store:     st,
		log:       log.With().Str("component", "salon").Str("node", name).Logger(),
		committed: make(chan Line, 256),
	}, nil
}

// Committed delivers decided lines; lines are dropped if nobody reads
func (a *App) Committed() <-chan Line {
	return a.committed
}

func (a *App) LatestHeight(ctx context.Context) (types.Height, error) {
	return a.store.LatestHeight()
}

func (a *App) GetValidatorSet(ctx context.Context, height types.Height) (*types.ValidatorSet, error) {
	return a.store.LoadValidatorSet(1)
}

func (a *App) GetContentToPropose(ctx context.Context, height types.Height) ([]byte, error) {
	return EncodeLine(&Line{
		Height: height,
		Author: a.name,
		Text:   phrases[rand.Intn(len(phrases))],
	})
}

func (a *App) CheckContent(ctx context.Context, height types.Height, content []byte) error {
	line, err := DecodeLine(content)
	if err != nil {
		return err
	}
	if line.Height != height {
		return fmt.Errorf("%w: line for height %d proposed at %d", ErrBadLine, line.Height, height)
	}
	if line.Text == "" || line.Author == "" {
		return fmt.Errorf("%w: empty line", ErrBadLine)
	}
	return nil
}

func (a *App) Commit(ctx context.Context, height types.Height, content []byte, qc *types.QuorumCertificate) error {
	err := a.store.SaveCommit(&types.CommittedValue{Height: height, Content: content, QC: qc})
	if err != nil {
		return err
	}

	line, err := DecodeLine(content)
	if err != nil {
		// decided content is kept even if this node cannot read it
		a.log.Warn().Err(err).Uint64("height", uint64(height)).Msg("undecodable line")
		return nil
	}
	a.log.Info().
		Uint64("height", uint64(height)).
		Uint32("round", uint32(qc.Round)).
		Str("author", line.Author).
		Msg(line.Text)

	select {
	case a.committed <- *line:
	default:
	}
	return nil
}

func (a *App) GetCommitted(ctx context.Context, from, to types.Height) ([]*types.CommittedValue, error) {
	return a.store.GetCommitted(from, to)
}

// EncodeLine serializes a line as proposal content
func EncodeLine(l *Line) ([]byte, error) {
	return msgpack.Marshal(l)
}

// DecodeLine parses proposal content
func DecodeLine(content []byte) (*Line, error) {
	var l Line
	if err := msgpack.Unmarshal(content, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadLine, err)
	}
	return &l, nil
}
