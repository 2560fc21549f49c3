package policy

import (
	"context"
	"errors"

	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/keyserver"
)

// Approver lets a key server check the policy named by a request identity
// before it releases a share.
func (e *Engine) Approver(packageID string) keyserver.Approver {
	prefix := keyserver.IdentityPrefix(packageID)
	return keyserver.ApproverFunc(func(ctx context.Context, identity []byte, address, proof string) (bool, error) {
		if !keyserver.IdentityHasPrefix(identity, packageID) {
			return false, nil
		}
		ok, err := e.Verify(ctx, string(identity[len(prefix):]), address, proof)
		if errors.Is(err, errdefs.ErrUnknownPolicy) {
			return false, nil
		}
		return ok, err
	})
}
