package alert_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/carecall/internal/alert"
	"github.com/MrWong99/carecall/internal/alert/mock"
	"github.com/MrWong99/carecall/pkg/provider/safety"
)

func sampleAlert(level safety.Level) alert.Alert {
	return alert.Alert{
		SessionID: "sess-1",
		CallerID:  "caller-9",
		Level:     level,
		Category:  safety.CategorySuicideRisk,
		Role:      safety.RoleCaller,
		Action:    "connect caller with crisis line",
		Raised:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestLogAlerter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level     safety.Level
		wantLevel string
	}{
		{safety.LevelEmergency, "level=ERROR"},
		{safety.LevelUrgent, "level=WARN"},
		{safety.LevelWarning, "level=WARN"},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			a := alert.NewLogAlerter(slog.New(slog.NewTextHandler(&buf, nil)))

			if err := a.Raise(context.Background(), sampleAlert(tt.level)); err != nil {
				t.Fatalf("Raise: %v", err)
			}
			out := buf.String()
			for _, want := range []string{tt.wantLevel, "session_id=sess-1", "category=suicide_risk", "severity=" + tt.level.String()} {
				if !strings.Contains(out, want) {
					t.Errorf("log output %q missing %q", out, want)
				}
			}
		})
	}
}

func TestMulti(t *testing.T) {
	t.Parallel()

	first := &mock.Alerter{Err: errors.New("bus down")}
	second := &mock.Alerter{}

	err := alert.Multi{first, second}.Raise(context.Background(), sampleAlert(safety.LevelUrgent))
	if err == nil || !strings.Contains(err.Error(), "bus down") {
		t.Fatalf("Raise error = %v, want bus down", err)
	}
	if len(first.Alerts()) != 1 || len(second.Alerts()) != 1 {
		t.Errorf("alerts = %d/%d, want 1/1", len(first.Alerts()), len(second.Alerts()))
	}
}
