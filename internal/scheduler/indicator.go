package scheduler

import "github.com/campusline/edusync/internal/model"

// Level is the severity of a user-facing sync indicator.
type Level string

// Indicator levels.
const (
	LevelOK      Level = "ok"
	LevelSyncing Level = "syncing"
	LevelRetry   Level = "retry"
	LevelAction  Level = "action_required"
)

// Indicator is what the UI shows for an integration's sync state. Data
// errors never surface here; they stay in SyncStatus.Errors for
// diagnostics.
type Indicator struct {
	Level   Level  `json:"level"`
	Message string `json:"message,omitempty"`
}

// IndicatorFor summarizes an integration and its latest sync status.
func IndicatorFor(in model.Integration, st model.SyncStatus) Indicator {
	switch {
	case in.Status == model.StatusError || in.Status == model.StatusPendingAuth || st.HasClass(model.ClassAuth):
		return Indicator{Level: LevelAction, Message: "reconnect account"}
	case st.IsActive:
		return Indicator{Level: LevelSyncing, Message: st.CurrentOperation}
	case st.HasClass(model.ClassConnection), st.HasClass(model.ClassStorage), st.HasClass(model.ClassInternal):
		return Indicator{Level: LevelRetry, Message: "sync failed, will retry"}
	default:
		return Indicator{Level: LevelOK}
	}
}
