package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
	ContentTypeJSON    = "application/json"
)

// API paths
const (
	PathHealthz          = "/healthz"
	PathScreenshots      = "/v1/screenshots"
	PathScreenshotSingle = "/v1/screenshots/single"
	PathScreenshotStatus = "/v1/screenshots/status"
	PathScreenshotUpload = "/v1/screenshots/upload"
	PathProjects         = "/v1/projects"
	PathArtifacts        = "/screenshots"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 16
	DefaultWorkerCount   = 1
	SQLiteBusyTimeoutMS  = 5000
)

// Capture geometry and encoding
const (
	CaptureViewportWidth = 1440
	CaptureMaxHeight     = 2000
	ThumbnailWidth       = 600
	ThumbnailHeight      = 800
	JPEGQuality          = 80
)

// Job identifiers
const (
	BatchJobID        = "all"
	SingleJobIDPrefix = "single-"
)

// MIME types
const (
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
	MimeImageJPG  = "image/jpg"
	MimeImageWEBP = "image/webp"
)

// Subdirectory names and file extensions
const (
	ScreenshotsDirName = "screenshots"
	ArtifactExt        = ".jpg"
)

// Callback status strings
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SingleJobID returns the job status key used for a one-off capture of projectID.
func SingleJobID(projectID string) string {
	return SingleJobIDPrefix + projectID
}
