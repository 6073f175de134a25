package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"riskmanager/src/model"
	"riskmanager/src/security"
)

var (
	// ErrCredentialMissing means the user has no active credential for
	// the broker.
	ErrCredentialMissing = errors.New("no active broker credential")

	// ErrCredentialExpired means the stored access token is past its
	// validity window. Execution attempts must be refused.
	ErrCredentialExpired = errors.New("broker credential expired")
)

// CredentialSource looks up broker credentials. Satisfied by
// repository.CredentialRepository.
type CredentialSource interface {
	FindActive(ctx context.Context, userID uint, brokerName string) (*model.BrokerCredential, error)
}

type cachedGateway struct {
	credentialID uint
	gateway      BrokerGateway
}

// GatewayResolver turns (user, broker) into a ready gateway. The broker
// variant is selected once per credential and cached; a rotated
// credential (new row ID) evicts the stale entry.
type GatewayResolver struct {
	credentials CredentialSource
	decrypt     func(string) (string, error)
	now         func() time.Time

	mu    sync.Mutex
	cache map[string]cachedGateway
}

func NewGatewayResolver(credentials CredentialSource) *GatewayResolver {
	return &GatewayResolver{
		credentials: credentials,
		decrypt:     security.DecryptString,
		now:         time.Now,
		cache:       make(map[string]cachedGateway),
	}
}

func cacheKey(userID uint, brokerName string) string {
	return fmt.Sprintf("%s/%d", brokerName, userID)
}

// GatewayFor resolves the user's active credential for a broker and
// returns the gateway bound to it. The credential is returned alongside
// so callers can apply their own validity rules.
func (r *GatewayResolver) GatewayFor(
	ctx context.Context,
	userID uint,
	brokerName string,
) (BrokerGateway, *model.BrokerCredential, error) {

	credential, err := r.credentials.FindActive(ctx, userID, brokerName)
	if err != nil {
		return nil, nil, err
	}
	if credential == nil {
		return nil, nil, ErrCredentialMissing
	}
	if !credential.Valid(r.now()) {
		return nil, credential, ErrCredentialExpired
	}

	key := cacheKey(userID, brokerName)

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && entry.credentialID == credential.ID {
		r.mu.Unlock()
		return entry.gateway, credential, nil
	}
	r.mu.Unlock()

	token, err := r.decrypt(credential.AccessTokenHash)
	if err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"user_id": userID,
			"broker":  brokerName,
		}).Error("failed to decrypt broker access token")
		return nil, credential, err
	}

	gateway, err := ForCredential(credential, token)
	if err != nil {
		return nil, credential, err
	}

	r.mu.Lock()
	r.cache[key] = cachedGateway{credentialID: credential.ID, gateway: gateway}
	r.mu.Unlock()

	return gateway, credential, nil
}
