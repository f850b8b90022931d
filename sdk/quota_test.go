package vakta

import (
	"testing"

	"github.com/NaveenVaktaAi/vakta-go/pkg/chat/protocol"
)

func TestNoticeFromFrame(t *testing.T) {
	remaining := int64(120)
	n := noticeFromFrame(protocol.TokenLimitExceeded{
		Message:         "limit reached",
		TokensRemaining: &remaining,
		Service:         "chat",
		UpgradeRequired: true,
	})

	if n.Message != "limit reached" || n.Service != "chat" {
		t.Errorf("notice = %+v", n)
	}
	if n.TokensRemaining == nil || *n.TokensRemaining != 120 {
		t.Errorf("TokensRemaining = %v, want 120", n.TokensRemaining)
	}
	if !n.Blocking() {
		t.Error("upgrade without daily cap should block")
	}
}

func TestBlockingMatrix(t *testing.T) {
	tests := []struct {
		upgrade bool
		daily   bool
		want    bool
	}{
		{upgrade: true, daily: false, want: true},
		{upgrade: true, daily: true, want: false},
		{upgrade: false, daily: false, want: false},
		{upgrade: false, daily: true, want: false},
	}
	for _, tt := range tests {
		n := UsageLimitNotice{UpgradeRequired: tt.upgrade, DailyLimitExceeded: tt.daily}
		if got := n.Blocking(); got != tt.want {
			t.Errorf("Blocking(upgrade=%v, daily=%v) = %v, want %v", tt.upgrade, tt.daily, got, tt.want)
		}
	}
}
