// pkg/logging/helpers.go - convenience wrappers for the events the installer records

package logging

import (
	"fmt"
	"time"
)

// LogDownloadStart logs the start of an artifact download
func LogDownloadStart(name, url string, offset int64) error {
	return RecordEvent("download", "start", "started",
		fmt.Sprintf("Starting download of %s", name),
		WithSubject(name),
		WithContext("download_url", url),
		WithContext("resume_offset", offset))
}

// LogDownloadProgress logs download progress
func LogDownloadProgress(name string, progress int, bytesDownloaded, totalBytes int64) error {
	return RecordEvent("download", "progress", "downloading",
		fmt.Sprintf("Downloading %s: %d%% (%d/%d bytes)", name, progress, bytesDownloaded, totalBytes),
		WithSubject(name),
		WithProgress(progress),
		WithLevel(LevelDebug))
}

// LogDownloadComplete logs successful completion of a download
func LogDownloadComplete(name, path string, size int64, duration time.Duration) error {
	return RecordEvent("download", "complete", "completed",
		fmt.Sprintf("Downloaded %s (%d bytes)", name, size),
		WithSubject(name),
		WithDuration(duration),
		WithContext("file_path", path))
}

// LogDownloadFailed logs a failed download or verification
func LogDownloadFailed(name, url string, err error) error {
	return RecordEvent("download", "complete", "failed",
		fmt.Sprintf("Failed to download %s", name),
		WithSubject(name),
		WithContext("download_url", url),
		WithError(err))
}

// LogStep logs a pipeline step transition
func LogStep(label string, index, count int, status string, err error) error {
	return RecordEvent("step", "run", status,
		fmt.Sprintf("Step %d/%d: %s", index, count, label),
		WithSubject(label),
		WithProgress(index*100/max(count, 1)),
		WithError(err))
}

// LogProcessTransition logs a lifecycle change for a monitored role group
func LogProcessTransition(group, from, to string) error {
	return RecordEvent("process", "transition", to,
		fmt.Sprintf("%s: %s -> %s", group, from, to),
		WithSubject(group),
		WithContext("from", from))
}
