// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cleanup

import (
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-edge/pkg/future"
	"github.com/turtacn/emqx-edge/pkg/persistence"
	"github.com/turtacn/emqx-edge/pkg/session"
)

// Persistences groups what the cleanup walks over.
type Persistences struct {
	Sessions      *persistence.Sessions
	Subscriptions *persistence.Subscriptions
	Retained      *persistence.Retained
	Queues        *persistence.ClientQueues
	// SessionExpired, when set, is called for every expired session after
	// its queue and subscriptions are gone.
	SessionExpired func(*session.Session)
}

// Targets returns the cleanup targets in domain order: sessions,
// subscriptions, retained messages, queued messages.
func Targets(p Persistences, logger *zap.Logger) []Target {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []Target{
		{Name: "client_session", CleanUp: func(bucket int) *future.Future[struct{}] {
			expired := p.Sessions.CleanUp(bucket)
			return future.ThenAsync(expired, func(sessions []*session.Session) *future.Future[struct{}] {
				return expireSessions(p, logger, sessions)
			})
		}},
		{Name: "subscription", CleanUp: p.Subscriptions.CleanUp},
		{Name: "retained_message", CleanUp: func(bucket int) *future.Future[struct{}] {
			return future.Then(p.Retained.CleanUp(bucket), func(topics []string) (struct{}, error) {
				if len(topics) > 0 {
					logger.Debug("expired retained messages", zap.Int("bucket", bucket), zap.Int("count", len(topics)))
				}
				return struct{}{}, nil
			})
		}},
		{Name: "queued_messages", CleanUp: func(bucket int) *future.Future[struct{}] {
			return future.Then(p.Queues.CleanUp(bucket), func(shared mapset.Set[string]) (struct{}, error) {
				if shared.Cardinality() > 0 {
					logger.Debug("shared queues emptied",
						zap.Int("bucket", bucket),
						zap.Strings("groups", shared.ToSlice()))
				}
				return struct{}{}, nil
			})
		}},
	}
}

// expireSessions removes the queue and the subscriptions of each expired
// session. Its futures complete on other domains, so the cascade never
// blocks the session bucket.
func expireSessions(p Persistences, logger *zap.Logger, sessions []*session.Session) *future.Future[struct{}] {
	if len(sessions) == 0 {
		return future.Completed(struct{}{})
	}
	steps := make([]*future.Future[struct{}], 0, 2*len(sessions))
	for _, sess := range sessions {
		sess := sess
		cleared := p.Queues.Clear(sess.ClientID, false)
		removed := future.Void(p.Subscriptions.RemoveAll(sess.ClientID))
		steps = append(steps, cleared, removed)
		future.AllOf(cleared, removed).OnComplete(func(_ []struct{}, err error) {
			if err != nil {
				logger.Warn("failed to remove expired session state", zap.String("client_id", sess.ClientID), zap.Error(err))
				return
			}
			logger.Debug("session expired", zap.String("client_id", sess.ClientID))
			if p.SessionExpired != nil {
				p.SessionExpired(sess)
			}
		})
	}
	return future.Void(future.AllOf(steps...))
}
