package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wyd-backend/internal/db"
)

type CtxKey string

const (
	ctxUserIDKey CtxKey = "analytics_user_id"
)

// Envelope is what we store with every event.
type Envelope struct {
	UserID       string
	SessionID    string
	Platform     string
	AppVersion   string
	DeviceLocale string
}

// FromRequest extracts event envelope fields from request.
// Backend-trustable fields only.
func FromRequest(r *http.Request) Envelope {
	platform := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Platform")))
	switch platform {
	case "ios", "android", "web", "cli":
	default:
		platform = "unknown"
	}

	locale := strings.TrimSpace(r.Header.Get("Accept-Language"))
	if locale == "" {
		locale = strings.TrimSpace(r.Header.Get("X-Device-Locale"))
	}

	env := Envelope{
		SessionID:    strings.TrimSpace(r.Header.Get("X-Session-Id")),
		Platform:     platform,
		AppVersion:   strings.TrimSpace(r.Header.Get("X-App-Version")),
		DeviceLocale: locale,
	}
	if uid, ok := UserIDFromContext(r.Context()); ok {
		env.UserID = uid
	}
	return env
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(ctxUserIDKey).(string)
	return uid, ok && uid != ""
}

// Client-provided idempotency key (optional)
// If present and duplicates, insert is ignored.
func SourceEventKeyFromRequest(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("Idempotency-Key")); k != "" {
		return k
	}
	return strings.TrimSpace(r.Header.Get("X-Source-Event-Key"))
}

// Recorder stores product events in analytics_events. Events that repeat
// a source event key are dropped by the table's unique constraint.
type Recorder struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(database *sql.DB, driver string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: database, driver: driver, logger: logger, now: time.Now}
}

// Log inserts one analytics event and reports whether a row was written.
// Never pass raw user text in props; callers send lengths and flags.
// Failures are logged and never break the caller's flow.
func (r *Recorder) Log(ctx context.Context, env Envelope, eventName string, props map[string]any, sourceEventKey string) bool {
	if r == nil || r.db == nil || eventName == "" {
		return false
	}
	if env.UserID == "" {
		uid, ok := UserIDFromContext(ctx)
		if !ok {
			// no user => skip
			return false
		}
		env.UserID = uid
	}
	if props == nil {
		props = map[string]any{}
	}

	b, err := json.Marshal(props)
	if err != nil {
		// if props can't marshal, don't break core flow
		r.logger.Warn("analytics props", "event", eventName, "error", err)
		return false
	}

	propsArg := "?"
	var eventTime any = r.now().UTC()
	if r.driver == db.Postgres {
		propsArg = "?::jsonb"
	} else {
		eventTime = r.now().UnixNano()
	}

	// If source_event_key duplicates -> do nothing
	res, err := r.db.ExecContext(ctx, db.Rebind(r.driver, `
		INSERT INTO analytics_events (
			event_name, event_time,
			user_id, session_id,
			platform, app_version, device_locale,
			source_event_key,
			properties
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, `+propsArg+`)
		ON CONFLICT (source_event_key) DO NOTHING
	`), eventName, eventTime,
		env.UserID, nullIfEmpty(env.SessionID),
		env.Platform, env.AppVersion, nullIfEmpty(env.DeviceLocale),
		nullIfEmpty(sourceEventKey),
		string(b),
	)
	if err != nil {
		r.logger.Warn("analytics insert", "event", eventName, "user_id", env.UserID, "error", err)
		return false
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false
	}
	r.logger.Debug("analytics event", "event", eventName, "user_id", env.UserID)
	return true
}

func nullIfEmpty(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
