package litigator

import (
	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/store"
)

// StoreKeyProvider resolves signer roles against the message store's own
// private_keys table (the same table pkg/server's make_genesis and
// push_message_dangerous handlers populate). Unlike ContractModule and
// Binder, key custody is not part of the contract-compiler black box --
// this node's own message store is the natural place to keep the secrets
// a litigator signs PSBTs with.
type StoreKeyProvider struct {
	store *store.Store
}

// NewStoreKeyProvider wraps s as a KeyProvider.
func NewStoreKeyProvider(s *store.Store) *StoreKeyProvider {
	return &StoreKeyProvider{store: s}
}

// SecretFor implements KeyProvider.
func (p *StoreKeyProvider) SecretFor(role envelope.Key) (secret [32]byte, ok bool) {
	priv, err := p.store.PrivateKeyForKey(role)
	if err != nil {
		return secret, false
	}
	copy(secret[:], priv.Serialize())
	return secret, true
}
