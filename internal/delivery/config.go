package delivery

import (
	"math/rand"
	"sync"
	"time"
)

// Config defines simulated peer behaviour. It is parsed from environment variables.
type Config struct {
	ReplyProbability      float64       `env:"REPLY_PROBABILITY" envDefault:"0.5"`
	ReplyMinDelay         time.Duration `env:"REPLY_MIN_DELAY" envDefault:"1s"`
	ReplyMaxDelay         time.Duration `env:"REPLY_MAX_DELAY" envDefault:"3s"`
	PeerTypingProbability float64       `env:"PEER_TYPING_PROBABILITY" envDefault:"0.2"`
	PeerTypingDuration    time.Duration `env:"PEER_TYPING_DURATION" envDefault:"2s"`
	WelcomeProbability    float64       `env:"WELCOME_PROBABILITY" envDefault:"0.3"`
	WelcomeDelay          time.Duration `env:"WELCOME_DELAY" envDefault:"3s"`
}

// DefaultConfig returns the same values as the env defaults
func DefaultConfig() Config {
	return Config{
		ReplyProbability:      0.5,
		ReplyMinDelay:         time.Second,
		ReplyMaxDelay:         3 * time.Second,
		PeerTypingProbability: 0.2,
		PeerTypingDuration:    2 * time.Second,
		WelcomeProbability:    0.3,
		WelcomeDelay:          3 * time.Second,
	}
}

// Random is the source of every random decision of the simulator
type Random interface {
	// Float64 returns a number in [0.0, 1.0)
	Float64() float64
	// Intn returns a number in [0, n)
	Intn(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandom returns Random backed by math/rand, safe for concurrent use
func NewRandom(seed int64) Random {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// chance draws once and reports whether the draw falls under p
func chance(r Random, p float64) bool {
	return r.Float64() < p
}

// uniform draws a duration in [min, max)
func uniform(r Random, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r.Float64()*float64(max-min))
}
