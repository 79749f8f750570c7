package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// SearchWidth is how many live candidates after a seeker are compared against it
const SearchWidth = 7

var (
	ErrQueueStopped = errors.New("queue stopped")
	ErrWrongQueue   = errors.New("seeker belongs to another queue")
)

// Queue holds the seekers of one matching pool, ordered by rating. All access goes through Run's
// goroutine.
type Queue struct {
	id       string
	valid    Validator
	requests chan func()
	stopped  chan struct{}
	log      *log.Entry

	seekers []*Seeker
	size    *atomic.Int64

	// OnSize is called from the queue goroutine whenever the number of seekers changes
	OnSize func(size int)
}

func NewQueue(id string, valid Validator, logger *log.Entry) *Queue {
	return &Queue{
		id:       id,
		valid:    valid,
		requests: make(chan func()),
		stopped:  make(chan struct{}),
		log:      logger.WithField("queue", id),
		size:     atomic.NewInt64(0),
	}
}

func (q *Queue) ID() string {
	return q.id
}

// Len is the seeker count after the last completed request
func (q *Queue) Len() int {
	return int(q.size.Load())
}

// Run serves requests until ctx is cancelled
func (q *Queue) Run(ctx context.Context) {
	defer close(q.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case request := <-q.requests:
			request()
		}
	}
}

func (q *Queue) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	request := func() {
		fn()
		close(done)
	}

	select {
	case q.requests <- request:
	case <-q.stopped:
		return ErrQueueStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add inserts s in rating order. Adding a seeker that is already queued does nothing.
func (q *Queue) Add(ctx context.Context, s *Seeker) error {
	if s.Queue != q.id {
		return fmt.Errorf("%w: %s is not %s", ErrWrongQueue, s.Queue, q.id)
	}
	return q.do(ctx, func() {
		q.add(s)
	})
}

func (q *Queue) add(s *Seeker) {
	if lo.ContainsBy(q.seekers, func(existing *Seeker) bool { return existing.ID == s.ID }) {
		return
	}
	s.matching = false

	index := sort.Search(len(q.seekers), func(i int) bool {
		return q.seekers[i].Rating.Rating > s.Rating.Rating
	})
	q.seekers = append(q.seekers, nil)
	copy(q.seekers[index+1:], q.seekers[index:])
	q.seekers[index] = s
	q.resized()
}

// Tick advances every seeker's wait by elapsed and runs one pairing pass
func (q *Queue) Tick(ctx context.Context, elapsed time.Duration) ([]Pair, error) {
	var pairs []Pair
	err := q.do(ctx, func() {
		for _, s := range q.seekers {
			s.Wait += elapsed
		}
		pairs = q.pair()
	})
	return pairs, err
}

// Snapshot copies the queued seekers in order
func (q *Queue) Snapshot(ctx context.Context) ([]Seeker, error) {
	var seekers []Seeker
	err := q.do(ctx, func() {
		seekers = lo.Map(q.seekers, func(s *Seeker, _ int) Seeker { return *s })
	})
	return seekers, err
}

// pair walks the queue once, pairing every seeker with the closest of the next SearchWidth live
// candidates when the difference is within its tolerance. Paired and expired seekers leave the queue.
func (q *Queue) pair() []Pair {
	live := make(map[*Seeker]bool, len(q.seekers))
	isLive := func(s *Seeker) bool {
		valid, known := live[s]
		if !known {
			valid = q.valid(s)
			live[s] = valid
		}
		return valid
	}

	var pairs []Pair
	for i, seeker := range q.seekers {
		if seeker.matching || !isLive(seeker) {
			continue
		}

		var best *Seeker
		bestDifference := math.Inf(1)
		remaining := SearchWidth
		for _, candidate := range q.seekers[i+1:] {
			if remaining == 0 {
				break
			}
			if candidate.matching || !isLive(candidate) {
				continue
			}
			remaining--

			if difference := SkillDifference(seeker.Rating, candidate.Rating); difference < bestDifference {
				best = candidate
				bestDifference = difference
			}
		}

		if best != nil && bestDifference <= Tolerance(seeker.Wait) {
			seeker.matching = true
			best.matching = true
			pairs = append(pairs, Pair{Queue: q.id, Left: seeker, Right: best})

			q.log.WithFields(log.Fields{
				"left":       seeker.Identity,
				"right":      best.Identity,
				"difference": bestDifference,
				"waited":     seeker.Wait.String(),
			}).Debug("Paired seekers")
		}
	}

	before := len(q.seekers)
	q.seekers = lo.Filter(q.seekers, func(s *Seeker, _ int) bool {
		return !s.matching && isLive(s)
	})
	if len(q.seekers) != before {
		q.resized()
	}
	return pairs
}

func (q *Queue) resized() {
	q.size.Store(int64(len(q.seekers)))
	if q.OnSize != nil {
		q.OnSize(len(q.seekers))
	}
}
