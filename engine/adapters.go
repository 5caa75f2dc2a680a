package engine

import (
	"context"

	"github.com/blockberries/overlord/types"
)

// Crypto hashes content and checks signatures. Aggregate takes signatures
// ordered by signer index; VerifyAggregate takes the public keys in the same
// order.
type Crypto interface {
	Hash(data []byte) types.Hash
	Verify(pub types.PublicKey, msg []byte, sig types.Signature) error
	Aggregate(sigs []types.Signature) (types.Signature, error)
	VerifyAggregate(pubs []types.PublicKey, msg []byte, agg types.Signature) error
}

// Signer signs this node's proposals and votes. Implementations must refuse
// to sign two different messages at one (height, round, step).
type Signer interface {
	Address() types.Address
	SignProposal(chainID string, p *types.Proposal) error
	SignVote(chainID string, v *types.Vote) error
}

// Network delivers encoded messages to peers. Inbound messages are handed to
// Engine.HandleMessage.
type Network interface {
	Broadcast(ctx context.Context, msg []byte) error
	Unicast(ctx context.Context, to types.Address, msg []byte) error
}

// Application supplies content, validates it and receives decisions. Commit
// is called exactly once per height, in height order.
type Application interface {
	// LatestHeight returns the last committed height, 0 for a fresh chain
	LatestHeight(ctx context.Context) (types.Height, error)
	// GetValidatorSet returns the validators deciding height
	GetValidatorSet(ctx context.Context, height types.Height) (*types.ValidatorSet, error)
	// GetContentToPropose returns content for a new proposal at height
	GetContentToPropose(ctx context.Context, height types.Height) ([]byte, error)
	// CheckContent validates proposed content before this node prevotes it
	CheckContent(ctx context.Context, height types.Height, content []byte) error
	// Commit delivers the decided content and its precommit certificate
	Commit(ctx context.Context, height types.Height, content []byte, qc *types.QuorumCertificate) error
	// GetCommitted returns decided values in [from, to] for lagging peers
	GetCommitted(ctx context.Context, from, to types.Height) ([]*types.CommittedValue, error)
}
