package detector

import (
	"context"
	"strings"
	"time"

	"github.com/chis/portsmith/internal/logging"
	"github.com/chis/portsmith/internal/notify"
	"github.com/chis/portsmith/internal/registry"
	"github.com/chis/portsmith/internal/storage"
	"github.com/chis/portsmith/internal/version"
)

// RefreshTrackedApps resolves the latest release or image digest for
// every tracked app of the user, persists it, and records a history
// entry plus a notification whenever the latest version moves.
func (d *Detector) RefreshTrackedApps(ctx context.Context, userID int64, rl *logging.RunLog) (*Summary, error) {
	apps, err := d.store.ListTrackedApps(ctx, userID)
	if err != nil {
		return nil, err
	}
	tokens, err := d.tokenMap(ctx, userID)
	if err != nil {
		return nil, err
	}

	logf(rl, "checking %d tracked app(s)", len(apps))
	var summary Summary
	for i := range apps {
		app := apps[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed, err := d.refreshApp(ctx, &app, tokens[tokenID(app.RepositoryTokenID)])
		if err != nil {
			summary.Failed++
			logf(rl, "check %s failed: %v", app.Name, err)
			continue
		}
		summary.Checked++
		if changed {
			summary.NewUpdates++
			logf(rl, "tracked app %s: new release %s", app.Name, app.LatestVersion)
		}
	}
	logf(rl, "tracked apps complete: %d checked, %d failed, %d new release(s)",
		summary.Checked, summary.Failed, summary.NewUpdates)
	return &summary, nil
}

// refreshApp updates one app in place and persists it. Returns whether
// the latest version or digest moved since the previous check.
func (d *Detector) refreshApp(ctx context.Context, app *storage.TrackedApp, token string) (bool, error) {
	prevVersion := app.LatestVersion
	prevDigest := app.LatestDigest

	switch app.SourceType {
	case storage.SourceTypeDocker:
		repo, tag := splitImageRef(app.ImageName)
		res, err := d.reg.Resolve(ctx, repo, tag, token)
		if err != nil {
			return false, err
		}
		if res.LatestDigest != nil {
			app.LatestDigest = *res.LatestDigest
		} else {
			app.LatestDigest = ""
		}
		if res.LatestVersion != "" {
			app.LatestVersion = res.LatestVersion
		} else {
			app.LatestVersion = tag
		}
		app.LatestVersionPublishDate = res.LatestPublishDate

	case storage.SourceTypeGitHub, storage.SourceTypeGitLab:
		rel, err := d.reg.LatestRelease(ctx, app.SourceType, app.GithubRepo, token)
		if err != nil {
			return false, err
		}
		app.LatestVersion = rel.TagName
		app.LatestVersionPublishDate = rel.PublishedAt
	}

	// Digest difference decides when both sides carry one; otherwise
	// fall back to semantic version comparison.
	if app.CurrentDigest != "" && app.LatestDigest != "" {
		app.HasUpdate = registry.HasUpdate(app.CurrentDigest, app.LatestDigest)
	} else {
		app.HasUpdate = version.IsNewer(app.CurrentVersion, app.LatestVersion)
	}

	now := time.Now().UTC()
	app.LastChecked = &now

	if err := d.store.UpdateTrackedApp(ctx, app); err != nil {
		return false, err
	}

	changed := (app.LatestVersion != prevVersion && app.LatestVersion != "") ||
		(app.LatestDigest != prevDigest && app.LatestDigest != "")
	if !changed {
		return false, nil
	}

	entry := &storage.TrackedAppHistoryEntry{
		UserID:      app.UserID,
		AppID:       app.ID,
		AppName:     app.Name,
		FromVersion: prevVersion,
		ToVersion:   app.LatestVersion,
		FromDigest:  prevDigest,
		ToDigest:    app.LatestDigest,
	}
	if err := d.store.RecordTrackedAppTransition(ctx, entry); err != nil {
		d.log.Error().Err(err).Str("app", app.Name).Msg("recording tracked app transition failed")
	}
	if d.bus != nil && app.HasUpdate {
		d.bus.Publish(notify.TrackedAppUpdate(app.UserID, app.Name, app.CurrentVersion, app.LatestVersion, app.LatestDigest))
	}
	return true, nil
}

// splitImageRef separates "repo:tag" for tracked docker apps. Missing
// tag means "latest"; a colon inside the registry host portion does
// not count as a tag separator.
func splitImageRef(image string) (repo, tag string) {
	idx := strings.LastIndex(image, ":")
	if idx < 0 || strings.Contains(image[idx+1:], "/") {
		return image, "latest"
	}
	return image[:idx], image[idx+1:]
}
