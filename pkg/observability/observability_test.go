package observability

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/config"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", "garbage", ""} {
		if NewLogger(level) == nil {
			t.Fatalf("nil logger for level %q", level)
		}
	}
}

func TestDisabledProviderIsInert(t *testing.T) {
	cfg := &config.Config{OTELEnabled: false}
	p, err := New(context.Background(), cfg, slog.Default())
	assert.NoError(t, err)

	// No instrument is registered; every method must still be safe.
	p.RunStarted(context.Background())
	p.RunFinished(context.Background(), "success", "PASS", time.Second)
	p.RunReclaimed(context.Background())
	assert.NoError(t, p.Shutdown(context.Background()))
}
