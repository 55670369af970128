package workers

import (
	"context"
)

// validateUserPreferences resets preferences that are malformed or invalid to their defaults
func (w *Workers) validateUserPreferences(ctx context.Context) (err error) {
	prefs, malformed, err := w.store.GetPreferences(ctx)
	if err != nil {
		return
	}

	reset := append(malformed, prefs.Sanitize()...)
	if len(reset) == 0 {
		return nil
	}

	if err = w.store.SetPreferences(ctx, prefs); err != nil {
		return
	}

	w.logger.Warn("reset invalid preferences to their defaults", "task", TaskValidateUserPreferences, "preferences", reset)

	return nil
}
