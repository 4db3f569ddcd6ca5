package session

import "time"

// tokenBucket refills rate tokens per second up to rate*burst seconds.
type tokenBucket struct {
	rate   int64
	max    int64
	tokens int64
}

func newTokenBucket(rate, burstSeconds int64) tokenBucket {
	return tokenBucket{rate: rate, max: rate * burstSeconds, tokens: rate * burstSeconds}
}

func (b *tokenBucket) enabled() bool { return b.rate > 0 }

func (b *tokenBucket) refill(elapsed time.Duration) {
	if !b.enabled() {
		return
	}
	b.tokens += elapsed.Nanoseconds() * b.rate / int64(time.Second)
	if b.tokens > b.max {
		b.tokens = b.max
	}
}

// audioInputLimiter caps client audio by chunk count and PCM bytes per
// second. Chunks over the limit are dropped, not queued.
type audioInputLimiter struct {
	now        func() time.Time
	chunks     tokenBucket
	bytes      tokenBucket
	lastRefill time.Time
}

// newAudioInputLimiter returns nil when both limits are disabled; a nil
// limiter allows everything.
func newAudioInputLimiter(now func() time.Time, chunksPerSecond int, bytesPerSecond int64, burstSeconds int) *audioInputLimiter {
	if chunksPerSecond <= 0 && bytesPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &audioInputLimiter{
		now:        now,
		chunks:     newTokenBucket(int64(max(chunksPerSecond, 0)), int64(burstSeconds)),
		bytes:      newTokenBucket(max(bytesPerSecond, 0), int64(burstSeconds)),
		lastRefill: now(),
	}
}

func (l *audioInputLimiter) Allow(pcmBytes int) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.chunks.refill(elapsed)
		l.bytes.refill(elapsed)
		l.lastRefill = now
	}

	need := int64(max(pcmBytes, 0))
	if l.chunks.enabled() && l.chunks.tokens < 1 {
		return false
	}
	if l.bytes.enabled() && l.bytes.tokens < need {
		return false
	}
	if l.chunks.enabled() {
		l.chunks.tokens--
	}
	if l.bytes.enabled() {
		l.bytes.tokens -= need
	}
	return true
}
