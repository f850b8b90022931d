package vakta

import (
	"github.com/NaveenVaktaAi/vakta-go/pkg/chat/protocol"
)

// UsageLimitNotice is a normalized usage-limit signal from the service.
// Only the most recent notice is retained on the session.
type UsageLimitNotice struct {
	Message            string
	TokensRemaining    *int64
	Service            string
	UpgradeRequired    bool
	DailyLimitExceeded bool
}

// Blocking reports whether the notice must interrupt further interaction.
// A premium user's transient daily cap (dailyLimitExceeded) is recorded
// but never surfaced as an upgrade prompt; only a genuine
// upgrade-required signal blocks.
func (n UsageLimitNotice) Blocking() bool {
	return n.UpgradeRequired && !n.DailyLimitExceeded
}

func noticeFromFrame(frame protocol.TokenLimitExceeded) UsageLimitNotice {
	return UsageLimitNotice{
		Message:            frame.Message,
		TokensRemaining:    frame.TokensRemaining,
		Service:            frame.Service,
		UpgradeRequired:    frame.UpgradeRequired,
		DailyLimitExceeded: frame.DailyLimitExceeded,
	}
}
