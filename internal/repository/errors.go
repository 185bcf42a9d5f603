package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNotParticipant means the user has no active membership in a live conversation.
	ErrNotParticipant = errors.New("not a participant")
	// ErrInvalidReply means reply_to does not name a message of the same conversation.
	ErrInvalidReply = errors.New("invalid reply target")
)

// invalidTextRepresentation is raised by Postgres for malformed uuid input.
const invalidTextRepresentation = "22P02"

func isInvalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}

// validID reports whether every id is a well-formed uuid. pgx encodes uuid
// parameters client-side, so malformed input never reaches the server.
func validID(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}

// track logs slow calls and feeds the store latency histogram.
func track(op string) func() {
	start := time.Now()
	logDone := logger.DeferLogDuration(op, start)
	return func() {
		metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		logDone()
	}
}
