package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/models"
	"github.com/bsm/redislock"
)

var ErrDocumentBusy = errors.New("document is being processed by another request")

// AcquireDocumentLock serializes lifecycle operations on one document
// across instances. Row locks already protect correctness inside MySQL;
// this lock keeps a second instance from queueing behind the row lock and
// re-running an already-applied transition the moment it frees.
func AcquireDocumentLock(ctx context.Context, businessId string, docType models.DocumentType, id int) (*redislock.Lock, error) {
	locker := config.GetRedisLock()
	key := fmt.Sprintf("doclock:%s:%s:%d", businessId, docType, id)
	lock, err := locker.Obtain(ctx, key, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 10),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrDocumentBusy
		}
		return nil, err
	}
	return lock, nil
}

func ReleaseDocumentLock(ctx context.Context, lock *redislock.Lock) {
	if lock == nil {
		return
	}
	_ = lock.Release(ctx)
}
