package publisher

import (
	"context"
	"sync"
	"time"
)

// rateLimiter — глобальная критическая секция публикации.
// Мьютекс удерживается на всё время вызова Publish; wait вызывается
// под мьютексом перед каждой отправкой загрузки.
type rateLimiter struct {
	sync.Mutex

	minInterval time.Duration
	// lastSend — момент начала предыдущей отправки (нулевой — отправок не было)
	lastSend time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newRateLimiter(minInterval time.Duration) *rateLimiter {
	return &rateLimiter{
		minInterval: minInterval,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// wait ждёт, пока с начала предыдущей отправки пройдёт minInterval,
// и отмечает начало новой отправки.
func (l *rateLimiter) wait(ctx context.Context) error {
	if !l.lastSend.IsZero() {
		if d := l.minInterval - l.now().Sub(l.lastSend); d > 0 {
			if err := l.sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	l.lastSend = l.now()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
