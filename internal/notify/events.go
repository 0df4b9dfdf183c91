// Package notify carries detection and upgrade events from the batch
// handlers to user-configured webhook destinations, with durable
// at-most-once deduplication.
package notify

import (
	"fmt"
	"time"
)

// Event types published on the bus.
const (
	EventUpdateDetected   = "auto-update-detected"
	EventBatchStarted     = "auto-update-batch-started"
	EventUpgradeSuccess   = "auto-update-success"
	EventUpgradeFailure   = "auto-update-failure"
	EventBatchSummary     = "auto-update-batch-summary"
	EventTrackedAppUpdate = "tracked-app-update"
)

// Field is one key/value line in a webhook payload.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Event is a single notification. DedupKey makes delivery at-most-once:
// two events with the same key for the same user are delivered once.
type Event struct {
	Type        string    `json:"type"`
	UserID      int64     `json:"-"`
	DedupKey    string    `json:"-"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Fields      []Field   `json:"fields,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// UpdateDetected builds the event announcing a fresh update for a
// deployed image. Keyed on the latest digest so repeated detector
// passes do not re-announce the same version.
func UpdateDetected(userID int64, imageRepo, tag, latestDigest string) Event {
	return Event{
		Type:        EventUpdateDetected,
		UserID:      userID,
		DedupKey:    fmt.Sprintf("update:%d:%s:%s", userID, imageRepo, latestDigest),
		Title:       "Update available",
		Description: fmt.Sprintf("A new image is available for %s:%s", imageRepo, tag),
		Fields: []Field{
			{Name: "image", Value: imageRepo + ":" + tag},
			{Name: "digest", Value: latestDigest},
		},
		Timestamp: time.Now().UTC(),
	}
}

// BatchStarted announces the start of an intent execution.
func BatchStarted(userID, executionID int64, intentName string, candidates int) Event {
	return Event{
		Type:        EventBatchStarted,
		UserID:      userID,
		DedupKey:    fmt.Sprintf("batch-start:%d:%d", userID, executionID),
		Title:       "Auto-upgrade started",
		Description: fmt.Sprintf("Intent %q is upgrading %d container(s)", intentName, candidates),
		Fields: []Field{
			{Name: "intent", Value: intentName},
			{Name: "containers", Value: fmt.Sprintf("%d", candidates)},
		},
		Timestamp: time.Now().UTC(),
	}
}

// UpgradeSuccess reports one completed container upgrade. Keyed on
// (execution, container) so retried executions re-announce while the
// same run never duplicates.
func UpgradeSuccess(userID, executionID int64, containerName, oldImage, newImage string) Event {
	return Event{
		Type:        EventUpgradeSuccess,
		UserID:      userID,
		DedupKey:    fmt.Sprintf("upgrade:%d:%d:%s", userID, executionID, containerName),
		Title:       "Container upgraded",
		Description: fmt.Sprintf("%s upgraded successfully", containerName),
		Fields: []Field{
			{Name: "container", Value: containerName},
			{Name: "from", Value: oldImage},
			{Name: "to", Value: newImage},
		},
		Timestamp: time.Now().UTC(),
	}
}

// UpgradeFailure reports a failed container upgrade.
func UpgradeFailure(userID, executionID int64, containerName, reason string) Event {
	return Event{
		Type:        EventUpgradeFailure,
		UserID:      userID,
		DedupKey:    fmt.Sprintf("upgrade:%d:%d:%s", userID, executionID, containerName),
		Title:       "Container upgrade failed",
		Description: fmt.Sprintf("%s failed to upgrade", containerName),
		Fields: []Field{
			{Name: "container", Value: containerName},
			{Name: "error", Value: reason},
		},
		Timestamp: time.Now().UTC(),
	}
}

// BatchSummary reports the terminal counters of an intent execution.
func BatchSummary(userID, executionID int64, intentName string, upgraded, failed, skipped int) Event {
	return Event{
		Type:        EventBatchSummary,
		UserID:      userID,
		DedupKey:    fmt.Sprintf("batch-summary:%d:%d", userID, executionID),
		Title:       "Auto-upgrade finished",
		Description: fmt.Sprintf("Intent %q: %d upgraded, %d failed, %d skipped", intentName, upgraded, failed, skipped),
		Fields: []Field{
			{Name: "intent", Value: intentName},
			{Name: "upgraded", Value: fmt.Sprintf("%d", upgraded)},
			{Name: "failed", Value: fmt.Sprintf("%d", failed)},
			{Name: "skipped", Value: fmt.Sprintf("%d", skipped)},
		},
		Timestamp: time.Now().UTC(),
	}
}

// TrackedAppUpdate announces a new release for a tracked application.
func TrackedAppUpdate(userID int64, appName, fromVersion, toVersion, latestDigest string) Event {
	key := toVersion
	if key == "" {
		key = latestDigest
	}
	return Event{
		Type:        EventTrackedAppUpdate,
		UserID:      userID,
		DedupKey:    fmt.Sprintf("tracked:%d:%s:%s", userID, appName, key),
		Title:       "Tracked app update",
		Description: fmt.Sprintf("%s has a new release", appName),
		Fields: []Field{
			{Name: "app", Value: appName},
			{Name: "current", Value: fromVersion},
			{Name: "latest", Value: toVersion},
		},
		Timestamp: time.Now().UTC(),
	}
}
