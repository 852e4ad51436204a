package activity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/safety"
)

// DefaultPromptDuration is how long the simulated speaker takes per prompt.
const DefaultPromptDuration = time.Second

// SimSpeaker logs prompts instead of playing them and holds each for a fixed
// duration while keeping the watchdog fed.
type SimSpeaker struct {
	logger   *zap.Logger
	hb       safety.Heartbeater
	duration time.Duration
}

// NewSimSpeaker returns a speaker that takes d per prompt. hb may be nil.
func NewSimSpeaker(logger *zap.Logger, hb safety.Heartbeater, d time.Duration) *SimSpeaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d < 0 {
		d = 0
	}
	return &SimSpeaker{logger: logger.Named("speaker"), hb: hb, duration: d}
}

func (s *SimSpeaker) Say(ctx context.Context, prompt string) error {
	s.logger.Info("voice prompt (sim)", zap.String("prompt", prompt))
	return safety.Sleep(ctx, s.hb, s.duration)
}
