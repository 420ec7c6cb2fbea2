package miner

import (
	"encoding/hex"

	"github.com/bardlex/ptsminer/internal/momentum"
	"github.com/bardlex/ptsminer/internal/pool"
	"github.com/bardlex/ptsminer/internal/telemetry"
	"github.com/bardlex/ptsminer/internal/work"
	"github.com/bardlex/ptsminer/pkg/log"
)

// Submit implements ShareSink. Shares found while disconnected are dropped;
// they are never queued for a later connection.
func (m *Manager) Submit(share work.Share) {
	account, _ := m.Account()
	logger := m.logger.WithAccount(account.Name, account.Developer)

	submitted := false
	if m.deps.Conn.IsDisconnected() {
		logger.Warn("share dropped, not connected to pool", "height", share.Height)
	} else if err := m.deps.Conn.SubmitShare(share); err != nil {
		logger.WithError(err).Warn("share submission failed", "height", share.Height)
	} else {
		submitted = true
	}

	if m.deps.Events != nil {
		m.deps.Events.Share(telemetry.ShareEvent{
			Worker:     account.Name,
			Developer:  account.Developer,
			Height:     share.Height,
			NTime:      share.NTime,
			BirthdayA:  share.BirthdayA,
			BirthdayB:  share.BirthdayB,
			ExtraNonce: hex.EncodeToString(share.ExtraNonce),
			Submitted:  submitted,
			Timestamp:  m.now(),
		})
	}
}

// ShareResultHandler counts pool rejections into stats.
func ShareResultHandler(stats *momentum.Stats, logger *log.Logger) pool.ShareResultFunc {
	logger = logger.WithComponent("shares")
	return func(share work.Share, accepted bool, reason string) {
		if accepted {
			logger.Debug("share accepted", "height", share.Height)
			return
		}
		stats.AddInvalid()
		logger.Warn("share rejected",
			"height", share.Height,
			"nonce_a", share.BirthdayA,
			"nonce_b", share.BirthdayB,
			"reason", reason,
		)
	}
}
