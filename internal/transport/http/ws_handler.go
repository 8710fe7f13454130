package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"medquiz-service/internal/app"
	"medquiz-service/internal/domain"
)

// Presence marks live attempts in a shared store. Optional; nil disables
// tracking.
type Presence interface {
	Touch(ctx context.Context, attemptID string)
	Forget(ctx context.Context, attemptID string)
}

// WSHandler drives one quiz attempt per WebSocket connection. The attempt
// configuration comes from query parameters; all further interaction is
// JSON messages.
type WSHandler struct {
	source   app.QuestionSource
	store    app.ResultStore
	reviews  *app.ReviewService
	presence Presence
	upgrader websocket.Upgrader
}

func NewWSHandler(source app.QuestionSource, store app.ResultStore, reviews *app.ReviewService, presence Presence) *WSHandler {
	return &WSHandler{
		source:   source,
		store:    store,
		reviews:  reviews,
		presence: presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type selectPayload struct {
	Letter string `json:"letter"`
}

type doubtPayload struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type reviewPayload struct {
	Index int `json:"index"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type noticePayload struct {
	Message string `json:"message"`
}

type tickPayload struct {
	Remaining int `json:"remaining"`
}

type adBreakPayload struct {
	Slot string `json:"slot"`
}

type completePayload struct {
	Summary     domain.Summary   `json:"summary"`
	Band        string           `json:"band"`
	UserName    string           `json:"userName"`
	Rank        int              `json:"rank"`
	Leaderboard []domain.Ranking `json:"leaderboard"`
}

type doubtAnswerPayload struct {
	Index      int                `json:"index"`
	Answer     string             `json:"answer"`
	Transcript []domain.DoubtTurn `json:"transcript"`
}

// ServeWS upgrades the request and runs the attempt loop.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cfg, err := domain.ParseConfig(
		q.Get("subject"), q.Get("chapter"), q.Get("topic"), q.Get("difficulty"),
		q.Get("count"), q.Get("timeLimit"), q.Get("timerScope"), q.Get("disclosure"),
		q.Get("quizId"),
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	identity := identityFromQuery(q.Get("userId"), q.Get("name"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	attempt := app.NewAttempt(cfg, h.source, h.store, identity)
	if h.presence != nil {
		h.presence.Touch(r.Context(), attempt.ID())
		defer h.presence.Forget(context.Background(), attempt.ID())
	}

	events, cancel := attempt.Subscribe()
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	eventsDone := make(chan struct{})
	tickerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	emit := func(msg outboundMessage[any]) bool {
		select {
		case send <- msg:
			return true
		case <-closeSignals:
			return false
		}
	}

	go func() {
		defer close(eventsDone)
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				h.forwardEvent(r.Context(), attempt, identity, event, emit)
			case <-closeSignals:
				return
			}
		}
	}()

	// Countdown pump: the only recurring background activity. It stops
	// with the connection; expired or completed states inside Tick are
	// reported through attempt events and the snapshot sent here.
	go func() {
		defer close(tickerDone)
		if !cfg.Timed() {
			return
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				res := attempt.Tick(r.Context())
				if !emit(outboundMessage[any]{Type: "tick", Payload: tickPayload{Remaining: res.Remaining}}) {
					return
				}
				if res.Expired && !res.Completed {
					emit(outboundMessage[any]{Type: "question", Payload: attempt.Snapshot()})
				}
			case <-closeSignals:
				return
			}
		}
	}()

	if err := attempt.Start(r.Context()); err != nil {
		send <- outboundMessage[any]{Type: "notice", Payload: noticePayload{Message: "Could not load a question, please wait and retry."}}
	}
	send <- outboundMessage[any]{Type: "question", Payload: attempt.Snapshot()}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		h.handleMessage(r.Context(), attempt, inbound, send)
	}

	close(closeSignals)
	<-eventsDone
	<-tickerDone
	close(send)
	<-writerDone
}

func (h *WSHandler) handleMessage(ctx context.Context, attempt *app.Attempt, inbound inboundMessage, send chan<- outboundMessage[any]) {
	switch inbound.Type {
	case "select":
		var payload selectPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			send <- errorMessage("invalid select payload")
			return
		}
		result, err := attempt.Select(payload.Letter)
		if err != nil {
			send <- noticeMessage(err)
			return
		}
		send <- outboundMessage[any]{Type: "answerResult", Payload: result}

	case "advance":
		if err := attempt.Advance(ctx); err != nil && !errors.Is(err, domain.ErrQuestionUnavailable) {
			send <- noticeMessage(err)
			return
		}
		send <- outboundMessage[any]{Type: "question", Payload: attempt.Snapshot()}

	case "restart":
		if err := attempt.Restart(ctx); err != nil && !errors.Is(err, domain.ErrQuestionUnavailable) {
			send <- noticeMessage(err)
			return
		}
		send <- outboundMessage[any]{Type: "question", Payload: attempt.Snapshot()}

	case "reload":
		if err := attempt.Reload(ctx); err != nil {
			send <- noticeMessage(err)
		}
		send <- outboundMessage[any]{Type: "question", Payload: attempt.Snapshot()}

	case "doubt":
		var payload doubtPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			send <- errorMessage("invalid doubt payload")
			return
		}
		answer, err := h.reviews.AskDoubt(ctx, attempt, payload.Index, payload.Text)
		if err != nil {
			send <- noticeMessage(err)
			return
		}
		send <- outboundMessage[any]{Type: "doubtAnswer", Payload: doubtAnswerPayload{
			Index:      payload.Index,
			Answer:     answer,
			Transcript: h.reviews.Transcript(attempt.ID(), payload.Index),
		}}

	case "review":
		var payload reviewPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			send <- errorMessage("invalid review payload")
			return
		}
		review, err := h.reviews.Review(attempt, payload.Index)
		if err != nil {
			send <- noticeMessage(err)
			return
		}
		send <- outboundMessage[any]{Type: "review", Payload: review}

	case "leaderboard":
		send <- outboundMessage[any]{Type: "leaderboard", Payload: h.reviews.Leaderboard(ctx, attempt.Config().QuizID)}

	default:
		send <- errorMessage("unsupported message type")
	}
}

// forwardEvent translates attempt lifecycle events into client messages:
// timeout notices, the completion payload, and the ad-break cue fired on
// every second question the way the quiz UI interleaves placements.
func (h *WSHandler) forwardEvent(ctx context.Context, attempt *app.Attempt, identity app.Identity, event app.AttemptEvent, emit func(outboundMessage[any]) bool) {
	switch event.Type {
	case app.EventTimeExpired:
		emit(outboundMessage[any]{Type: "notice", Payload: noticePayload{Message: "Time's up!"}})
	case app.EventQuestionAdvanced:
		if event.QuestionNumber%2 == 0 {
			emit(outboundMessage[any]{Type: "adBreak", Payload: adBreakPayload{Slot: "in-article"}})
		}
	case app.EventCompleted:
		summary := h.reviews.Summarize(attempt)
		userName := h.reviews.DisplayName(ctx, identity)
		board := h.reviews.Leaderboard(ctx, attempt.Config().QuizID)
		emit(outboundMessage[any]{Type: "adBreak", Payload: adBreakPayload{Slot: "interstitial"}})
		emit(outboundMessage[any]{Type: "complete", Payload: completePayload{
			Summary:     summary,
			Band:        app.PerformanceBand(summary.Percentage),
			UserName:    userName,
			Rank:        app.UserRank(board, userName, summary.Score, summary.Total),
			Leaderboard: board,
		}})
	case app.EventRestarted:
		// Snapshot follows from the restart handler.
	}
}

func identityFromQuery(userID, name string) app.Identity {
	if userID == "" {
		return app.Anonymous
	}
	user := domain.User{ID: userID, Name: name}
	return app.IdentityFunc(func(context.Context) (domain.User, bool) { return user, true })
}

func errorMessage(msg string) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: noticePayload{Message: msg}}
}

func noticeMessage(err error) outboundMessage[any] {
	return outboundMessage[any]{Type: "notice", Payload: noticePayload{Message: err.Error()}}
}
