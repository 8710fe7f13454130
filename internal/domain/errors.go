package domain

import "errors"

var (
	// ErrMissingField is returned when required setup fields are absent.
	ErrMissingField = errors.New("please fill all required fields")
	// ErrInvalidDifficulty is returned for an unrecognized difficulty value.
	ErrInvalidDifficulty = errors.New("invalid difficulty")
	// ErrInvalidConfig is returned for malformed setup values.
	ErrInvalidConfig = errors.New("invalid quiz configuration")
	// ErrMalformedQuestion indicates a question violating the option-letter invariant.
	ErrMalformedQuestion = errors.New("malformed question")
	// ErrQuestionUnavailable is returned when the question source has nothing to offer.
	ErrQuestionUnavailable = errors.New("question unavailable")
	// ErrAlreadyAnswered is returned when the current question has a selection.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrTimeExpired is returned when a selection arrives after the clock hit zero.
	ErrTimeExpired = errors.New("time's up")
	// ErrNoSelection is returned when advancing from an unanswered question by hand.
	ErrNoSelection = errors.New("no option selected")
	// ErrAttemptComplete is returned for actions on a finished attempt.
	ErrAttemptComplete = errors.New("attempt already complete")
	// ErrAttemptNotComplete is returned when results are requested mid-attempt.
	ErrAttemptNotComplete = errors.New("attempt not complete")
	// ErrEmptyDoubt rejects blank doubt submissions before any remote call.
	ErrEmptyDoubt = errors.New("doubt text is empty")
	// ErrNoSuchQuestion is returned for a review index with no question.
	ErrNoSuchQuestion = errors.New("no question at index")
	// ErrProfileNotFound indicates a missing user profile row.
	ErrProfileNotFound = errors.New("profile not found")
)
