package jobs

import (
	"encoding/base64"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// JobIDLength is the length of every generated job identifier
const JobIDLength = 32

// IDGenerator produces job identifiers from the submission time and a
// few random digits. It is safe for concurrent use.
type IDGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewIDGenerator returns a generator drawing from src, or from a randomly
// seeded source when src is nil
func NewIDGenerator(src rand.Source) *IDGenerator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &IDGenerator{rnd: rand.New(src)}
}

// New returns a 32-character base64 identifier. The digits of now
// (to the microsecond) and five random digits are shuffled and encoded;
// the first two characters and the padding are dropped.
func (g *IDGenerator) New(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	digits := []byte(strings.Replace(now.UTC().Format("20060102150405.000000"), ".", "", 1))
	for i := 0; i < 5; i++ {
		digits = append(digits, byte('0'+g.rnd.IntN(10)))
	}
	g.rnd.Shuffle(len(digits), func(i, j int) {
		digits[i], digits[j] = digits[j], digits[i]
	})

	encoded := base64.StdEncoding.EncodeToString(digits)
	return encoded[2 : len(encoded)-2]
}
