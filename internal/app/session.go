package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"medquiz-service/internal/domain"
)

// Phase of an attempt's state machine.
type Phase string

const (
	PhaseLoading    Phase = "loading"
	PhasePresenting Phase = "presenting"
	PhaseAnswered   Phase = "answered"
	PhaseComplete   Phase = "complete"
)

// EventType tags attempt lifecycle events published to subscribers.
// Cross-cutting consumers (ad placement, presence) react to these instead
// of being called inline from the state machine.
type EventType string

const (
	EventQuestionAdvanced EventType = "questionAdvanced"
	EventTimeExpired      EventType = "timeExpired"
	EventCompleted        EventType = "quizCompleted"
	EventRestarted        EventType = "quizRestarted"
)

// AttemptEvent is one published lifecycle event.
type AttemptEvent struct {
	Type           EventType `json:"type"`
	AttemptID      string    `json:"attemptId"`
	QuestionNumber int       `json:"questionNumber"`
	At             time.Time `json:"at"`
}

// SelectionResult is what the user learns right after selecting an option.
// In deferred disclosure mode Disclosed is false and the correctness fields
// are zero until completion.
type SelectionResult struct {
	Letter        string `json:"letter"`
	Disclosed     bool   `json:"disclosed"`
	Correct       bool   `json:"correct"`
	CorrectLetter string `json:"correctLetter,omitempty"`
	Explanation   string `json:"explanation,omitempty"`
	Score         int    `json:"score"`
}

// Snapshot is a point-in-time view of the attempt for transports.
type Snapshot struct {
	AttemptID      string           `json:"attemptId"`
	Phase          Phase            `json:"phase"`
	QuestionNumber int              `json:"questionNumber"`
	TotalQuestions int              `json:"totalQuestions,omitempty"`
	Question       *domain.Question `json:"question,omitempty"`
	Selected       string           `json:"selected,omitempty"`
	Score          int              `json:"score"`
	Remaining      int              `json:"remaining,omitempty"`
	Complete       bool             `json:"complete"`
}

// TickResult reports the outcome of one countdown tick.
type TickResult struct {
	Remaining int
	Expired   bool
	Completed bool
}

// Attempt drives one quiz run from first question to completion. All state
// is owned exclusively by the attempt and guarded by its mutex; async
// resolutions carry the epoch they were issued under and are discarded if
// a restart happened in between.
type Attempt struct {
	id       string
	cfg      domain.QuizConfig
	source   QuestionSource
	store    ResultStore
	identity Identity
	now      func() time.Time

	mu            sync.Mutex
	epoch         int
	phase         Phase
	questions     []domain.Question
	answers       map[int]string
	index         int
	score         int // display cache; completion always recomputes
	remaining     int
	expiredNotice bool
	fetching      bool
	complete      bool
	submitted     bool
	startedAt     time.Time
	subscribers   map[chan AttemptEvent]struct{}
}

// NewAttempt builds an attempt for one configuration. The attempt is in
// the Loading phase until Start resolves the first question.
func NewAttempt(cfg domain.QuizConfig, source QuestionSource, store ResultStore, identity Identity) *Attempt {
	return NewAttemptWithClock(cfg, source, store, identity, time.Now)
}

// NewAttemptWithClock allows deterministic timestamps in tests.
func NewAttemptWithClock(cfg domain.QuizConfig, source QuestionSource, store ResultStore, identity Identity, now func() time.Time) *Attempt {
	return &Attempt{
		id:          uuid.NewString(),
		cfg:         cfg,
		source:      source,
		store:       store,
		identity:    identity,
		now:         now,
		phase:       PhaseLoading,
		answers:     make(map[int]string),
		remaining:   cfg.TimeLimitSeconds,
		subscribers: make(map[chan AttemptEvent]struct{}),
	}
}

// ID of this attempt.
func (a *Attempt) ID() string { return a.id }

// Config returns the immutable configuration.
func (a *Attempt) Config() domain.QuizConfig { return a.cfg }

// Start records setup telemetry and resolves the first question.
func (a *Attempt) Start(ctx context.Context) error {
	a.mu.Lock()
	a.startedAt = a.now()
	a.mu.Unlock()

	if user, ok := a.identity.CurrentUser(ctx); ok && a.store != nil {
		if err := a.store.SaveConfiguration(ctx, user.ID, a.cfg); err != nil {
			log.Printf("attempt %s: saving quiz configuration: %v", a.id, err)
		}
	}
	return a.loadQuestion(ctx)
}

// loadQuestion resolves the question for the current index: preloaded by
// index first, otherwise a fresh generation request. At most one request
// is in flight per attempt; a second caller during a fetch is a no-op. On
// failure the attempt stays in Loading; it never advances silently.
func (a *Attempt) loadQuestion(ctx context.Context) error {
	a.mu.Lock()
	if a.complete {
		a.mu.Unlock()
		return domain.ErrAttemptComplete
	}
	idx := a.index
	if idx < len(a.cfg.Preloaded) {
		a.installQuestionLocked(a.cfg.Preloaded[idx])
		a.mu.Unlock()
		return nil
	}
	if a.fetching {
		a.mu.Unlock()
		return nil
	}
	a.fetching = true
	a.phase = PhaseLoading
	epoch := a.epoch
	scope := a.cfg.Scope()
	difficulty := a.cfg.Difficulty
	a.mu.Unlock()

	question, err := a.source.Generate(ctx, scope, difficulty)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.epoch == epoch {
		a.fetching = false
	}
	if a.epoch != epoch || a.complete {
		// The attempt was restarted or completed while the request was
		// in flight.
		log.Printf("attempt %s: discarding stale question for epoch %d", a.id, epoch)
		return nil
	}
	if err != nil {
		log.Printf("attempt %s: question fetch failed: %v", a.id, err)
		return fmt.Errorf("%w: %v", domain.ErrQuestionUnavailable, err)
	}
	if err := question.Validate(); err != nil {
		log.Printf("attempt %s: rejecting generated question: %v", a.id, err)
		return fmt.Errorf("%w: %v", domain.ErrQuestionUnavailable, err)
	}
	a.installQuestionLocked(question)
	return nil
}

func (a *Attempt) installQuestionLocked(q domain.Question) {
	a.questions = append(a.questions, q)
	a.phase = PhasePresenting
	if a.cfg.Timed() && a.cfg.TimerScope == domain.TimerPerQuestion {
		a.remaining = a.cfg.TimeLimitSeconds
		a.expiredNotice = false
	}
}

// Reload retries question resolution after a failed load. It is a no-op
// unless the attempt is actually stuck in Loading, and concurrent reloads
// collapse onto the single in-flight fetch.
func (a *Attempt) Reload(ctx context.Context) error {
	a.mu.Lock()
	if a.phase != PhaseLoading || a.complete {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	return a.loadQuestion(ctx)
}

// Select records the user's option letter for the current question. The
// gate is exactly: a question is presented, it has no prior selection, and
// the clock (when bounded) has not hit zero.
func (a *Attempt) Select(letter string) (SelectionResult, error) {
	letter = strings.ToUpper(strings.TrimSpace(letter))

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.complete {
		return SelectionResult{}, domain.ErrAttemptComplete
	}
	if a.phase == PhaseLoading {
		return SelectionResult{}, domain.ErrQuestionUnavailable
	}
	if _, taken := a.answers[a.index]; taken || a.phase == PhaseAnswered {
		return SelectionResult{}, domain.ErrAlreadyAnswered
	}
	if a.cfg.Timed() && a.remaining == 0 {
		return SelectionResult{}, domain.ErrTimeExpired
	}

	question := a.questions[a.index]
	a.answers[a.index] = letter
	a.phase = PhaseAnswered

	result := SelectionResult{Letter: letter, Score: a.score}
	if a.cfg.Disclosure == domain.DisclosureImmediate {
		result.Disclosed = true
		result.Correct = letter == question.CorrectLetter
		result.CorrectLetter = question.CorrectLetter
		result.Explanation = question.Explanation
		if result.Correct {
			a.score++
		}
		result.Score = a.score
	}
	return result, nil
}

// Advance moves to the next question, or completes the attempt when the
// configured count is exhausted. Manual advance requires a selection; the
// timeout path goes through advanceLocked directly.
func (a *Attempt) Advance(ctx context.Context) error {
	a.mu.Lock()
	if a.complete {
		a.mu.Unlock()
		return domain.ErrAttemptComplete
	}
	if _, answered := a.answers[a.index]; !answered {
		a.mu.Unlock()
		return domain.ErrNoSelection
	}
	load := a.advanceLocked()
	a.mu.Unlock()

	if load {
		return a.loadQuestion(ctx)
	}
	a.finishSubmission(ctx)
	return nil
}

// advanceLocked performs the index bump and completion check. It returns
// true when a next question must be resolved and false when the attempt
// just completed.
func (a *Attempt) advanceLocked() bool {
	number := a.index + 1
	if a.cfg.Bounded() && number >= a.cfg.QuestionCount {
		a.completeLocked()
		return false
	}
	a.index++
	a.publishLocked(EventQuestionAdvanced)
	return true
}

// completeLocked finalizes the attempt: the score is recomputed wholesale
// from the answer map so the cached value can never drift, and unanswered
// indices count as incorrect. EventCompleted is published later, by
// finishSubmission, once the result submission has settled.
func (a *Attempt) completeLocked() {
	a.score = a.computeScoreLocked()
	a.complete = true
	a.phase = PhaseComplete
}

func (a *Attempt) computeScoreLocked() int {
	score := 0
	for i, q := range a.questions {
		if letter, ok := a.answers[i]; ok && letter == q.CorrectLetter {
			score++
		}
	}
	return score
}

// finishSubmission persists the result record exactly once per completion,
// then publishes EventCompleted. Publishing after the store call settles
// means completion consumers (results page, leaderboard) observe the
// just-saved record rather than racing it. The submitted flag is
// independent of the Complete phase: completion can be re-observed any
// number of times without re-submitting.
func (a *Attempt) finishSubmission(ctx context.Context) {
	a.mu.Lock()
	if !a.complete || a.submitted {
		a.mu.Unlock()
		return
	}
	a.submitted = true
	record := domain.ResultRecord{
		QuizID:         a.cfg.QuizID,
		Score:          a.score,
		TotalQuestions: a.totalLocked(),
		CreatedAt:      a.now(),
	}
	if a.cfg.Timed() && a.cfg.TimerScope == domain.TimerAttempt {
		taken := a.cfg.TimeLimitSeconds - a.remaining
		record.TimeTakenSeconds = &taken
	}
	a.mu.Unlock()

	a.submitRecord(ctx, record)

	a.mu.Lock()
	a.publishLocked(EventCompleted)
	a.mu.Unlock()
}

func (a *Attempt) submitRecord(ctx context.Context, record domain.ResultRecord) {
	user, ok := a.identity.CurrentUser(ctx)
	if !ok {
		log.Printf("attempt %s: anonymous user, skipping result submission", a.id)
		return
	}
	record.UserID = user.ID
	record.UserName = user.Name
	if a.store == nil {
		return
	}
	if profile, err := a.store.Profile(ctx, user.ID); err == nil && profile.Name != "" {
		record.UserName = profile.Name
	}
	if record.UserName == "" {
		record.UserName = "User"
	}
	id, err := a.store.CreateResult(ctx, record)
	if err != nil {
		// The local score already stands; a store outage must not hide it.
		log.Printf("attempt %s: saving quiz result: %v", a.id, err)
		return
	}
	log.Printf("attempt %s: result %s saved (%d/%d)", a.id, id, record.Score, record.TotalQuestions)
}

func (a *Attempt) totalLocked() int {
	if a.cfg.Bounded() {
		return a.cfg.QuestionCount
	}
	return len(a.questions)
}

// Tick advances the countdown by one second. Per-question clocks run only
// while the current question is unanswered; the attempt-wide clock runs
// until completion. Expiry fires the notice exactly once and then behaves
// like an advance with no selection (per-question) or completes the run
// (attempt scope, where no further selection is possible anyway).
func (a *Attempt) Tick(ctx context.Context) TickResult {
	a.mu.Lock()
	if !a.cfg.Timed() || a.complete {
		res := TickResult{Remaining: a.remaining, Completed: a.complete}
		a.mu.Unlock()
		return res
	}
	paused := a.cfg.TimerScope == domain.TimerPerQuestion && a.phase != PhasePresenting
	if paused || a.remaining <= 0 {
		res := TickResult{Remaining: a.remaining}
		a.mu.Unlock()
		return res
	}

	a.remaining--
	if a.remaining > 0 {
		res := TickResult{Remaining: a.remaining}
		a.mu.Unlock()
		return res
	}

	expired := !a.expiredNotice
	a.expiredNotice = true
	if expired {
		a.publishLocked(EventTimeExpired)
	}

	if a.cfg.TimerScope == domain.TimerAttempt {
		a.completeLocked()
		a.mu.Unlock()
		a.finishSubmission(ctx)
		return TickResult{Remaining: 0, Expired: expired, Completed: true}
	}

	// Per-question timeout: the index stays unanswered and the attempt
	// proceeds exactly as a normal advance.
	load := a.advanceLocked()
	completed := a.complete
	a.mu.Unlock()

	if load {
		if err := a.loadQuestion(ctx); err != nil {
			log.Printf("attempt %s: loading question after timeout: %v", a.id, err)
		}
	} else {
		a.finishSubmission(ctx)
	}
	return TickResult{Remaining: 0, Expired: expired, Completed: completed}
}

// Restart re-initializes the attempt in place from the same configuration.
// The epoch bump discards any in-flight resolutions, and the next
// completion produces a new, independent result record.
func (a *Attempt) Restart(ctx context.Context) error {
	a.mu.Lock()
	a.epoch++
	a.phase = PhaseLoading
	a.questions = nil
	a.answers = make(map[int]string)
	a.index = 0
	a.score = 0
	a.remaining = a.cfg.TimeLimitSeconds
	a.expiredNotice = false
	a.fetching = false
	a.complete = false
	a.submitted = false
	a.startedAt = a.now()
	a.publishLocked(EventRestarted)
	a.mu.Unlock()

	return a.loadQuestion(ctx)
}

// Snapshot returns the current view of the attempt. In deferred disclosure
// mode the correct letter and explanation are stripped from the question
// until completion.
func (a *Attempt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		AttemptID:      a.id,
		Phase:          a.phase,
		QuestionNumber: a.index + 1,
		TotalQuestions: a.cfg.QuestionCount,
		Score:          a.score,
		Remaining:      a.remaining,
		Complete:       a.complete,
	}
	snap.Selected = a.answers[a.index]
	if a.index < len(a.questions) {
		q := a.questions[a.index]
		if a.cfg.Disclosure == domain.DisclosureDeferred && !a.complete {
			q.CorrectLetter = ""
			q.Explanation = ""
		}
		snap.Question = &q
	}
	return snap
}

// Submitted reports whether a result record was sent for the current run.
func (a *Attempt) Submitted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitted
}

// Subscribe returns a channel of lifecycle events. The caller must invoke
// the returned cancel function to avoid leaks.
func (a *Attempt) Subscribe() (<-chan AttemptEvent, func()) {
	ch := make(chan AttemptEvent, 8)

	a.mu.Lock()
	a.subscribers[ch] = struct{}{}
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		if _, ok := a.subscribers[ch]; ok {
			delete(a.subscribers, ch)
			close(ch)
		}
		a.mu.Unlock()
	}
	return ch, cancel
}

func (a *Attempt) publishLocked(t EventType) {
	event := AttemptEvent{
		Type:           t,
		AttemptID:      a.id,
		QuestionNumber: a.index + 1,
		At:             a.now(),
	}
	for ch := range a.subscribers {
		select {
		case ch <- event:
		default:
			// Drop the oldest pending event rather than block the state machine.
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
}

// snapshotForReview exposes the pieces the review engine needs under one
// lock acquisition.
func (a *Attempt) snapshotForReview() (questions []domain.Question, answers map[int]string, score, total int, complete bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	questions = append([]domain.Question(nil), a.questions...)
	answers = make(map[int]string, len(a.answers))
	for i, letter := range a.answers {
		answers[i] = letter
	}
	return questions, answers, a.computeScoreLocked(), a.totalLocked(), a.complete
}
