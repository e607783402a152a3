package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureSecurityEvent sends a warning-level event tagged with the event
// name so alert rules can match on it. It is a no-op when Sentry is not
// initialised.
func CaptureSecurityEvent(event string, fields map[string]any) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("security_event", event)
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(event)
	})
}
