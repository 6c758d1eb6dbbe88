package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/safeharbour/harbour/internal/config"
	"github.com/safeharbour/harbour/internal/telemetry"
)

// BuildSinks opens the sinks listed in cfg. Already opened sinks are closed
// when a later one fails.
func BuildSinks(cfg config.AuditConfig) ([]Sink, error) {
	sinks := make([]Sink, 0, len(cfg.Sinks))
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close(context.Background())
		}
	}
	for i, sc := range cfg.Sinks {
		var (
			s   Sink
			err error
		)
		switch strings.ToLower(strings.TrimSpace(sc.Type)) {
		case "file_jsonl":
			s, err = NewFileSink(sc.Path, FileSinkOptions{MaxSizeMB: sc.MaxSizeMB, MaxBackups: sc.MaxBackups})
		case "webhook":
			s, err = NewWebhookSink(sc.URL, sc.Headers, sc.Timeout)
		case "sqlite":
			s, err = NewSQLiteSink(sc.Path)
		default:
			err = fmt.Errorf("unknown type %q", sc.Type)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("audit sink %d: %w", i, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// NewFromConfig builds an emitter with the configured sinks, counting
// queue results and deliveries on tel.
func NewFromConfig(cfg config.AuditConfig, tel *telemetry.Provider) (*Emitter, error) {
	sinks, err := BuildSinks(cfg)
	if err != nil {
		return nil, err
	}
	return NewEmitter(EmitterConfig{
		QueueSize:       cfg.QueueSize,
		Workers:         cfg.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Telemetry:       tel,
	}, sinks), nil
}
